package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./logs/speedserver.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process sinks. Loggers derived from it pick up level and
// sink changes made by Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	path string // path of file, "" when closed

	stderr io.Writer
	root   atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stderr: os.Stderr}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks. The log file is only reopened when its path
// changes, so a level-only reload keeps appending to the same handle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(s.stderr))
	}

	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = DefaultFilePath
		}
	}
	if want != s.path {
		s.closeFile()
		if want != "" {
			if err := s.openFile(want); err != nil {
				fmt.Fprintf(s.stderr, "logx: %v\n", err)
			}
		}
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.path = f, path
	return nil
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.path = nil, ""
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	s.file, s.path = nil, ""
	return err
}
