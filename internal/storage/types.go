package storage

import (
	"errors"
	"time"

	"pewspeed/pkg/speedtest"
)

var ErrDisabled = errors.New("storage disabled")

const (
	DefaultFilePath   = "./data/speedtest_history.jsonl"
	DefaultSQLitePath = "./data/pewspeed.db"
)

// Config configures storage.
//
// If Driver is empty it defaults to "file"; "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a speedtest.History that owns resources.
type Store interface {
	speedtest.History
	Close() error
}
