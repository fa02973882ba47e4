package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	logx "pewspeed/pkg/logx"
)

var (
	// ErrAlreadyRunning is returned when Run is called while a run is in progress.
	ErrAlreadyRunning = errors.New("measurement already running")
	// ErrNoPingSamples is returned when every latency probe failed, leaving
	// the average undefined.
	ErrNoPingSamples = errors.New("no successful ping samples")
)

const (
	MiB = 1024 * 1024

	DefaultDownloadChunk    = 5 * MiB
	DefaultUploadChunk      = 1 * MiB
	DefaultDownloadDuration = 10 * time.Second
	DefaultUploadDuration   = 10 * time.Second
	DefaultPingCount        = 10
	DefaultPingInterval     = 100 * time.Millisecond
	DefaultReportInterval   = 500 * time.Millisecond
	DefaultHistoryCap       = 10
)

// Config controls a measurement run. Zero fields take the package defaults.
type Config struct {
	// DownloadChunk is the size requested by every download call.
	DownloadChunk int64
	// UploadChunk is the size of the reusable upload payload.
	UploadChunk int
	// DownloadDuration and UploadDuration are the phase budgets. They are
	// checked at request boundaries only.
	DownloadDuration time.Duration
	UploadDuration   time.Duration
	// PingCount is the number of sequential latency probes.
	PingCount int
	// PingInterval is the pause between probes; negative disables it.
	PingInterval time.Duration
	// ReportInterval is the minimum spacing of interim reports.
	ReportInterval time.Duration
	// HistoryCap bounds the saved history.
	HistoryCap int
	// UseServerDefaults adopts the server's advisory /api/config before a run.
	UseServerDefaults bool
}

// DefaultConfig returns the stock measurement profile.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DownloadChunk <= 0 {
		c.DownloadChunk = DefaultDownloadChunk
	}
	if c.UploadChunk <= 0 {
		c.UploadChunk = DefaultUploadChunk
	}
	if c.DownloadDuration <= 0 {
		c.DownloadDuration = DefaultDownloadDuration
	}
	if c.UploadDuration <= 0 {
		c.UploadDuration = DefaultUploadDuration
	}
	if c.PingCount <= 0 {
		c.PingCount = DefaultPingCount
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	return c
}

// applyServerDefaults overlays the positive fields of d.
func (c Config) applyServerDefaults(d ServerDefaults) Config {
	if d.DownloadSize > 0 {
		c.DownloadChunk = d.DownloadSize
	}
	if d.UploadSize > 0 {
		c.UploadChunk = int(d.UploadSize)
	}
	if d.DownloadDuration > 0 {
		c.DownloadDuration = time.Duration(d.DownloadDuration) * time.Millisecond
	}
	if d.UploadDuration > 0 {
		c.UploadDuration = time.Duration(d.UploadDuration) * time.Millisecond
	}
	if d.PingCount > 0 {
		c.PingCount = d.PingCount
	}
	return c
}

// Reporter receives live progress. All calls happen on the goroutine
// executing Run.
type Reporter interface {
	PhaseStarted(p Phase)
	// Progress carries a running ping average (ms) or an interim bitrate (Mbps).
	Progress(p Phase, value float64)
	PhaseCompleted(r PhaseResult)
	DisplayResult(r Result)
	// ResetStatuses is called exactly once per run, on success and failure.
	ResetStatuses()
}

// History persists completed results, most recent first.
type History interface {
	Recent(ctx context.Context, n int) ([]Result, error)
	Append(ctx context.Context, r Result, max int) error
}

// NopReporter discards every notification.
type NopReporter struct{}

func (NopReporter) PhaseStarted(Phase) {}
func (NopReporter) Progress(Phase, float64) {}
func (NopReporter) PhaseCompleted(PhaseResult) {}
func (NopReporter) DisplayResult(Result) {}
func (NopReporter) ResetStatuses() {}

// Engine runs ping, download and upload phases strictly in sequence.
//
// It is safe for concurrent use; overlapping Run calls fail with
// ErrAlreadyRunning.
type Engine struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	reporter  Reporter
	history   History
	random    io.Reader
	log       logx.Logger

	mu       sync.Mutex
	state    State
	phase    Phase
	statuses map[Phase]Status
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects the time source used for budgets and round-trip times.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithReporter installs the live presentation sink.
func WithReporter(r Reporter) Option { return func(e *Engine) { e.reporter = r } }

// WithHistory installs the result history sink.
func WithHistory(h History) Option { return func(e *Engine) { e.history = h } }

// WithRandom overrides the random source used to fill the upload payload.
func WithRandom(r io.Reader) Option { return func(e *Engine) { e.random = r } }

// WithLogger sets the engine logger.
func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

// New constructs an Engine.
func New(t Transport, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		transport: t,
		clock:     clock.New(),
		reporter:  NopReporter{},
		log:       logx.Nop(),
		state:     StateIdle,
		statuses:  map[Phase]Status{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.reporter == nil {
		e.reporter = NopReporter{}
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	for _, p := range Phases {
		e.statuses[p] = StatusReady
	}
	return e
}

// Config returns the effective (defaulted) configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns the run state and, while running, the active phase.
func (e *Engine) State() (State, Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.phase
}

// Statuses returns a copy of the per-phase indicators.
func (e *Engine) Statuses() map[Phase]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Phase]Status, len(e.statuses))
	for k, v := range e.statuses {
		out[k] = v
	}
	return out
}

func (e *Engine) setPhase(p Phase, st Status) {
	e.mu.Lock()
	e.statuses[p] = st
	if st == StatusTesting {
		e.phase = p
	}
	e.mu.Unlock()
}

type idleConnCloser interface{ CloseIdleConnections() }

// Run executes a full measurement: ping, download, upload.
//
// Transport errors during download or upload end that phase early and keep
// the partial measurement. Any other failure (no ping sample at all, a
// random source failure, context cancellation) aborts the run. Phase
// statuses are reset to ready before Run returns, whatever the outcome.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if e.transport == nil {
		return nil, errors.New("nil transport")
	}

	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.state = StateRunning
	e.phase = ""
	e.mu.Unlock()

	completed := false
	defer func() {
		e.mu.Lock()
		for _, p := range Phases {
			e.statuses[p] = StatusReady
		}
		e.phase = ""
		if completed {
			e.state = StateComplete
		} else {
			e.state = StateIdle
		}
		e.mu.Unlock()
		e.reporter.ResetStatuses()

		if c, ok := e.transport.(idleConnCloser); ok {
			c.CloseIdleConnections()
		}
	}()

	cfg := e.cfg
	if cfg.UseServerDefaults {
		if f, ok := e.transport.(DefaultsFetcher); ok {
			d, err := f.FetchDefaults(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.log.Warn("server defaults unavailable; using local profile", logx.Err(err))
			} else {
				cfg = cfg.applyServerDefaults(d)
			}
		}
	}

	start := e.clock.Now()
	e.log.Info("measurement started",
		logx.Int("ping_count", cfg.PingCount),
		logx.Int64("download_chunk", cfg.DownloadChunk),
		logx.Int("upload_chunk", cfg.UploadChunk),
		logx.Duration("download_budget", cfg.DownloadDuration),
		logx.Duration("upload_budget", cfg.UploadDuration),
	)

	ping, err := e.runPing(ctx, cfg)
	if err != nil {
		e.log.Error("measurement aborted", logx.String("phase", string(PhasePing)), logx.Err(err))
		return nil, fmt.Errorf("ping phase: %w", err)
	}
	dl, err := e.runDownload(ctx, cfg)
	if err != nil {
		e.log.Error("measurement aborted", logx.String("phase", string(PhaseDownload)), logx.Err(err))
		return nil, fmt.Errorf("download phase: %w", err)
	}
	ul, err := e.runUpload(ctx, cfg)
	if err != nil {
		e.log.Error("measurement aborted", logx.String("phase", string(PhaseUpload)), logx.Err(err))
		return nil, fmt.Errorf("upload phase: %w", err)
	}

	res := Result{
		ID:            uuid.NewString(),
		DownloadMbps:  dl.Value,
		UploadMbps:    ul.Value,
		PingMs:        ping.Value,
		Timestamp:     e.clock.Now(),
		Duration:      e.clock.Since(start),
		DownloadBytes: dl.Bytes,
		UploadBytes:   ul.Bytes,
	}
	if bt, ok := e.transport.(interface{ BaseURL() string }); ok {
		res.Server = bt.BaseURL()
	}

	// A persistence failure must not discard a finished measurement.
	if e.history != nil {
		if err := e.history.Append(ctx, res, cfg.HistoryCap); err != nil {
			e.log.Error("history append failed", logx.Err(err))
		}
	}
	e.reporter.DisplayResult(res)
	completed = true

	e.log.Info("measurement complete",
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.Duration("took", res.Duration),
	)
	return &res, nil
}

// wait pauses for d on the engine clock, returning early on cancellation.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
