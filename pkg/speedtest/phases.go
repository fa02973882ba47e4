package speedtest

import (
	"context"
	"time"

	logx "pewspeed/pkg/logx"
)

// runPing issues cfg.PingCount sequential probes. Failed probes are skipped;
// the phase fails only when none succeeded.
func (e *Engine) runPing(ctx context.Context, cfg Config) (PhaseResult, error) {
	e.setPhase(PhasePing, StatusTesting)
	e.reporter.PhaseStarted(PhasePing)

	var (
		sum     time.Duration
		samples int
		lastErr error
	)
	for i := 0; i < cfg.PingCount; i++ {
		if err := ctx.Err(); err != nil {
			return PhaseResult{}, err
		}
		if i > 0 {
			if err := e.wait(ctx, cfg.PingInterval); err != nil {
				return PhaseResult{}, err
			}
		}

		t0 := e.clock.Now()
		err := e.transport.Ping(ctx)
		rtt := e.clock.Since(t0)
		if err != nil {
			if ctx.Err() != nil {
				return PhaseResult{}, ctx.Err()
			}
			lastErr = err
			e.log.Debug("ping probe failed", logx.Int("probe", i), logx.Err(err))
			continue
		}

		sum += rtt
		samples++
		e.reporter.Progress(PhasePing, durationMs(sum)/float64(samples))
	}

	if samples == 0 {
		if lastErr != nil {
			e.log.Warn("all ping probes failed", logx.Int("probes", cfg.PingCount), logx.Err(lastErr))
		}
		return PhaseResult{}, ErrNoPingSamples
	}

	res := PhaseResult{
		Phase:    PhasePing,
		Value:    Round2(durationMs(sum) / float64(samples)),
		Requests: samples,
		Err:      lastErr,
	}
	e.setPhase(PhasePing, StatusComplete)
	e.reporter.PhaseCompleted(res)
	return res, nil
}

// runDownload fetches cfg.DownloadChunk bytes per request until the budget
// has elapsed. The budget is checked between requests only.
func (e *Engine) runDownload(ctx context.Context, cfg Config) (PhaseResult, error) {
	e.setPhase(PhaseDownload, StatusTesting)
	e.reporter.PhaseStarted(PhaseDownload)

	m := newMeter(e.clock.Now(), cfg.ReportInterval)
	requests := 0
	var phaseErr error

	for e.clock.Since(m.start) < cfg.DownloadDuration {
		_, err := e.transport.Download(ctx, cfg.DownloadChunk, func(n int) {
			m.add(int64(n), e.clock.Now(), func(mbps float64) {
				e.reporter.Progress(PhaseDownload, mbps)
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return PhaseResult{}, ctx.Err()
			}
			phaseErr = err
			e.log.Warn("download request failed; ending phase early",
				logx.Int("requests", requests), logx.Int64("bytes", m.bytes), logx.Err(err))
			break
		}
		requests++
	}

	res := m.result(PhaseDownload, e.clock.Now(), requests, phaseErr)
	e.setPhase(PhaseDownload, StatusComplete)
	e.reporter.PhaseCompleted(res)
	return res, nil
}

// runUpload posts one pre-generated payload repeatedly until the budget has
// elapsed. Only acknowledged requests count, each as one full payload.
func (e *Engine) runUpload(ctx context.Context, cfg Config) (PhaseResult, error) {
	e.setPhase(PhaseUpload, StatusTesting)
	e.reporter.PhaseStarted(PhaseUpload)

	payload := make([]byte, cfg.UploadChunk)
	if err := FillRandom(e.random, payload, MaxRandomFill); err != nil {
		return PhaseResult{}, err
	}

	m := newMeter(e.clock.Now(), cfg.ReportInterval)
	requests := 0
	var phaseErr error

	for e.clock.Since(m.start) < cfg.UploadDuration {
		if _, err := e.transport.Upload(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return PhaseResult{}, ctx.Err()
			}
			phaseErr = err
			e.log.Warn("upload request failed; ending phase early",
				logx.Int("requests", requests), logx.Int64("bytes", m.bytes), logx.Err(err))
			break
		}
		requests++
		m.add(int64(len(payload)), e.clock.Now(), func(mbps float64) {
			e.reporter.Progress(PhaseUpload, mbps)
		})
	}

	res := m.result(PhaseUpload, e.clock.Now(), requests, phaseErr)
	e.setPhase(PhaseUpload, StatusComplete)
	e.reporter.PhaseCompleted(res)
	return res, nil
}

// meter accumulates bytes for one throughput phase and throttles interim reports.
type meter struct {
	start      time.Time
	lastReport time.Time
	every      time.Duration
	bytes      int64
}

func newMeter(start time.Time, every time.Duration) *meter {
	return &meter{start: start, lastReport: start, every: every}
}

func (m *meter) add(n int64, now time.Time, report func(mbps float64)) {
	m.bytes += n
	if now.Sub(m.lastReport) < m.every {
		return
	}
	m.lastReport = now
	if report != nil {
		report(Mbps(m.bytes, now.Sub(m.start)))
	}
}

// sample returns the running totals as of now.
func (m *meter) sample(now time.Time) Sample {
	return Sample{Bytes: m.bytes, Elapsed: now.Sub(m.start)}
}

func (m *meter) result(p Phase, now time.Time, requests int, err error) PhaseResult {
	s := m.sample(now)
	return PhaseResult{
		Phase:    p,
		Value:    Round2(s.Mbps()),
		Bytes:    s.Bytes,
		Elapsed:  s.Elapsed,
		Requests: requests,
		Err:      err,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
