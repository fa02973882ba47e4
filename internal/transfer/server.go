// Package transfer implements the HTTP endpoints a speed test measures
// against: random-byte download, drain-and-count upload, ping, health and
// the advisory client profile.
//
// Handlers share no mutable state on the measurement path; the only shared
// state is the hot-reloadable Settings snapshot and the metrics collectors.
package transfer

import (
	"crypto/rand"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	logx "pewspeed/pkg/logx"
)

// Options are fixed for the lifetime of a Server.
type Options struct {
	Settings Settings

	// StaticDir serves the UI from disk instead of the embedded page.
	StaticDir string
	// Metrics mounts /metrics and records request metrics.
	Metrics bool
	// Registry receives the collectors; nil means a private registry.
	Registry *prometheus.Registry

	Logger logx.Logger

	// Random is the download byte source; nil means crypto/rand.
	Random io.Reader
	// Now is the wall clock used for ping and health timestamps.
	Now func() time.Time
}

// Server is the gin-based Transfer Endpoint Set.
type Server struct {
	engine  *gin.Engine
	metrics *Metrics
	log     logx.Logger
	random  io.Reader

	cur     atomic.Pointer[Settings]
	access  atomic.Pointer[logx.Logger]
	limiter atomic.Pointer[clientLimiter]

	// started is the wall time at construction; mono carries the monotonic
	// reading all elapsed times are measured from, so timestamps never go
	// backwards when the wall clock is stepped.
	started time.Time
	mono    time.Time
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func New(opts Options) *Server {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}

	s := &Server{
		engine:  gin.New(),
		log:     log,
		random:  random,
		started: now(),
		mono:    time.Now(),
	}
	if opts.Metrics {
		s.metrics = NewMetrics(opts.Registry)
	}
	s.Apply(opts.Settings)
	s.routes(opts.StaticDir)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Apply swaps in new settings. In-flight requests keep the snapshot they
// started with.
func (s *Server) Apply(st Settings) {
	st = st.withDefaults()
	prev := s.cur.Swap(&st)

	if prev == nil || prev.AccessLogPerSec != st.AccessLogPerSec {
		l := s.log.With(logx.String("comp", "access")).Sampled(st.AccessLogPerSec)
		s.access.Store(&l)
	}
	if prev == nil || prev.RatePerSec != st.RatePerSec || prev.RateBurst != st.RateBurst {
		s.limiter.Store(newClientLimiter(st.RatePerSec, st.RateBurst))
	}
}

func (s *Server) settings() Settings { return *s.cur.Load() }

func (s *Server) accessLogger() logx.Logger { return *s.access.Load() }

// serverTime is the process start wall time plus monotonic elapsed time.
func (s *Server) serverTime() time.Time {
	return s.started.Add(s.uptime())
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.mono)
}

func (s *Server) routes(staticDir string) {
	r := s.engine
	r.Use(s.recovery(), s.accessLog(), s.cors())
	if s.metrics != nil {
		r.Use(s.metrics.middleware())
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api", s.rateLimit())
	{
		api.GET("/config", s.handleConfig)
		api.GET("/download", s.handleDownload)
		api.HEAD("/download", s.handleDownload)
		api.POST("/upload", s.handleUpload)
		api.GET("/ping", s.handlePing)
		api.GET("/health", s.handleHealth)
	}

	s.mountStatic(staticDir)
}
