package storage

import (
	"errors"
	"strings"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// fileStore adapts speedtest.FileHistory to Store.
type fileStore struct {
	*speedtest.FileHistory
}

func (fileStore) Close() error { return nil }

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultFilePath
	}
	log.Debug("history file", logx.String("path", path))
	return fileStore{speedtest.NewFileHistory(path)}, nil
}
