// Package httpserver runs an http.Handler under a self-healing serve loop
// with hot-reloadable listener settings.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "pewspeed/internal/runtime/supervisor"
	logx "pewspeed/pkg/logx"
)

const DefaultAddr = ":3000"

// Config controls the listener. Zero durations take the defaults below.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration // default 10s
	IdleTimeout       time.Duration // default 60s
	ShutdownTimeout   time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr || a.ReadHeaderTimeout != b.ReadHeaderTimeout || a.IdleTimeout != b.IdleTimeout
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler http.Handler

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, handler http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), handler: handler, log: log}
}

// Supervisor returns the serve loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound listen address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener synchronously, so a bad address fails here, then
// serves under a restart loop. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		cur := s.cfg
		ln, err := net.Listen("tcp", cur.Addr)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("listen %s: %w", cur.Addr, err)
		}
		s.ln = ln
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return nil
	}
}

// Reconfigure applies cfg, rebinding only when listener settings changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running || !needsRestart(prev, cfg) {
		return nil
	}
	s.log.Info("listener settings changed; rebinding", logx.String("from", prev.Addr), logx.String("to", cfg.Addr))
	s.Stop(ctx)
	if err := s.Start(ctx); err != nil {
		// Fall back to the previous listener rather than going dark.
		s.mu.Lock()
		s.cfg = prev
		s.mu.Unlock()
		if perr := s.Start(ctx); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	return nil
}

// Stop shuts the server down gracefully, bounded by ShutdownTimeout and ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	grace := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)

		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), grace)
			if err := srv.Shutdown(sctx); err != nil {
				s.log.Warn("http shutdown incomplete; closing", logx.Err(err))
			}
			cancel()
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	ln := s.ln
	s.mu.Unlock()

	// A restart after Serve failed needs a fresh listener.
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cur.Addr)
		if err != nil {
			s.log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cur.ReadHeaderTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), cur.ShutdownTimeout)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
