package transfer

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	logx "pewspeed/pkg/logx"
)

// cors allows the configured origins. The measurement page may be served
// from a different host than the API it measures.
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allow := allowedOrigin(s.settings().CORSOrigins, origin); allow != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func allowedOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

// accessLog logs every request at debug level (rate-limited) and server
// errors at warn.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", c.Writer.Size()),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("errors", c.Errors.String()))
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.accessLogger().Debug("request", fields...)
	}
}

// recovery turns handler panics into a 500 JSON body.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		s.log.Error("handler panicked", logx.String("path", c.Request.URL.Path), logx.Any("panic", err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	})
}

// rateLimit rejects API requests over the per-client budget with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := s.limiter.Load()
		if lim == nil || lim.allow(c.ClientIP()) {
			c.Next()
			return
		}
		if s.metrics != nil {
			s.metrics.rateLimited.Inc()
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate limit exceeded"})
	}
}

// clientLimiter keeps one token bucket per client key. Idle buckets are
// swept once the table grows past sweepAt entries.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	sweepAt int
	idleTTL time.Duration
	now     func() time.Time
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSec float64, burst int) *clientLimiter {
	if perSec <= 0 {
		return nil
	}
	return &clientLimiter{
		limit:   rate.Limit(perSec),
		burst:   max(burst, 1),
		clients: map[string]*clientBucket{},
		sweepAt: 4096,
		idleTTL: 5 * time.Minute,
		now:     time.Now,
	}
}

func (l *clientLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.clients[key]
	if b == nil {
		if len(l.clients) >= l.sweepAt {
			l.sweepLocked(now)
		}
		b = &clientBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for k, b := range l.clients {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.clients, k)
		}
	}
}

func noCache(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
