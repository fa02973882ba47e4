package speedtest

import (
	"math"
	"time"
)

// Phase identifies one bounded measurement segment of a run.
type Phase string

const (
	PhasePing     Phase = "ping"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// Phases lists the phases in the order a run executes them.
var Phases = []Phase{PhasePing, PhaseDownload, PhaseUpload}

// State is the run-level state machine:
// Idle -> Running(ping) -> Running(download) -> Running(upload) -> Complete,
// with a fallback to Idle from any running state on error.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateComplete State = "complete"
)

// Status is the per-phase indicator exposed to reporters.
type Status string

const (
	StatusReady    Status = "ready"
	StatusTesting  Status = "testing"
	StatusComplete Status = "complete"
)

// Sample is a point-in-time measurement within a phase. Elapsed is measured
// from the phase start.
type Sample struct {
	Bytes   int64
	Elapsed time.Duration
}

// Mbps returns the bitrate in megabits per second, or 0 when no time has elapsed.
func (s Sample) Mbps() float64 {
	return Mbps(s.Bytes, s.Elapsed)
}

// Mbps computes bytes*8 / (seconds*1e6).
func Mbps(bytes int64, elapsed time.Duration) float64 {
	sec := elapsed.Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (sec * 1e6)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// PhaseResult is the immutable outcome of one phase: milliseconds for
// ping, Mbps for download and upload.
type PhaseResult struct {
	Phase Phase
	Value float64

	// Bytes and Elapsed are the totals the value was derived from (zero for ping).
	Bytes   int64
	Elapsed time.Duration
	// Requests counts completed requests (probes for ping).
	Requests int
	// Err is the transport error that ended the phase early, if any.
	Err error
}

// Result is a single completed measurement run.
//
// IMPORTANT: JSON tags are kept stable because results are persisted to the
// history file (NDJSON). Changing tags can break existing history.
type Result struct {
	ID           string    `json:"id,omitempty"`
	DownloadMbps float64   `json:"download"`
	UploadMbps   float64   `json:"upload"`
	PingMs       float64   `json:"ping"`
	Timestamp    time.Time `json:"date"`

	// Non-persisted fields (useful for formatting / debugging).
	Server        string        `json:"-"`
	Duration      time.Duration `json:"-"`
	DownloadBytes int64         `json:"-"`
	UploadBytes   int64         `json:"-"`
}
