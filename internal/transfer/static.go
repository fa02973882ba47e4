package transfer

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	logx "pewspeed/pkg/logx"
)

//go:embed static
var embedded embed.FS

func embeddedUI() http.FileSystem {
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}

// mountStatic serves the UI for every path no route matched. Unknown /api
// paths get a JSON 404 instead of the page.
func (s *Server) mountStatic(dir string) {
	root := embeddedUI()
	if dir = strings.TrimSpace(dir); dir != "" {
		root = http.Dir(dir)
		s.log.Info("serving static ui from disk", logx.String("dir", dir))
	}
	files := http.FileServer(root)

	s.engine.NoRoute(func(c *gin.Context) {
		p := c.Request.URL.Path
		if p == "/api" || strings.HasPrefix(p, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
			return
		}
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		files.ServeHTTP(c.Writer, c.Request)
	})
}
