package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings().Defaults)
}

// parseSize reads ?size= by its leading integer, so "1.5" and "1e6" mean 1.
// Absent, non-numeric and negative values fall back to DefaultDownloadSize;
// zero is a valid empty download.
func parseSize(raw string, limit int64) int64 {
	size := DefaultDownloadSize
	if n, ok := leadingInt(strings.TrimSpace(raw)); ok && n >= 0 {
		size = n
	}
	if limit > 0 && size > limit {
		size = limit
	}
	return size
}

// leadingInt parses an optional sign and the digits that follow it,
// ignoring anything after them.
func leadingInt(s string) (int64, bool) {
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	return n, err == nil
}

func (s *Server) handleDownload(c *gin.Context) {
	st := s.settings()
	size := parseSize(c.Query("size"), st.MaxDownloadBytes)

	h := c.Writer.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	noCache(h)
	c.Status(http.StatusOK)
	if c.Request.Method == http.MethodHead {
		c.Writer.WriteHeaderNow()
		return
	}

	n, err := s.streamRandom(c.Request.Context(), c.Writer, size)
	if s.metrics != nil {
		s.metrics.downloadBytes.Add(float64(n))
	}
	if err != nil {
		// Headers are gone; the short body tells the client.
		_ = c.Error(err)
		s.log.Debug("download interrupted",
			logx.Int64("sent", n),
			logx.Int64("size", size),
			logx.Err(err),
		)
	}
}

// streamRandom writes exactly size random bytes in StreamChunk pieces,
// flushing after each one. Memory stays bounded by one chunk. It stops
// early once ctx is done.
func (s *Server) streamRandom(ctx context.Context, w gin.ResponseWriter, size int64) (int64, error) {
	if size == 0 {
		w.WriteHeaderNow()
		return 0, nil
	}
	buf := make([]byte, min(size, int64(StreamChunk)))
	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		chunk := buf[:min(size-sent, int64(len(buf)))]
		if _, err := io.ReadFull(s.random, chunk); err != nil {
			return sent, err
		}
		n, err := w.Write(chunk)
		sent += int64(n)
		if err != nil {
			return sent, err
		}
		w.Flush()
	}
	return sent, nil
}

func (s *Server) handleUpload(c *gin.Context) {
	body := c.Request.Body
	if limit := s.settings().MaxUploadBytes; limit > 0 {
		body = http.MaxBytesReader(c.Writer, body, limit)
	}

	n, err := io.Copy(io.Discard, body)
	if s.metrics != nil {
		s.metrics.uploadBytes.Add(float64(n))
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.uploadErrors.Inc()
		}
		var tooLarge *http.MaxBytesError
		s.log.Debug("upload failed",
			logx.Int64("received", n),
			logx.Bool("too_large", errors.As(err, &tooLarge)),
			logx.Err(err),
		)
		c.JSON(http.StatusInternalServerError, speedtest.UploadAck{Success: false, Error: "Upload failed"})
		return
	}

	noCache(c.Writer.Header())
	c.JSON(http.StatusOK, speedtest.UploadAck{
		Success:       true,
		BytesReceived: n,
		Message:       "Upload test completed",
	})
}

func (s *Server) handlePing(c *gin.Context) {
	noCache(c.Writer.Header())
	c.JSON(http.StatusOK, speedtest.PingReply{
		Timestamp: s.serverTime().UnixMilli(),
		Success:   true,
	})
}

type healthReply struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp int64   `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	up := s.uptime()
	c.JSON(http.StatusOK, healthReply{
		Status:    "healthy",
		Uptime:    up.Seconds(),
		Timestamp: s.started.Add(up).UnixMilli(),
	})
}
