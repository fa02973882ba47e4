package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "pewspeed/pkg/logx"
)

// healthyRun resets the backoff: a run that lasted this long was not a
// crash loop.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // <= 0 means unlimited
	publish     bool
}

// WithRestartBackoff bounds the delay between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.min = lo
		}
		if hi > 0 {
			p.max = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first crash as the supervisor error
// while restarts continue.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// delay is cur plus up to 20% jitter, clamped to the policy window.
func (p restartPolicy) delay(cur time.Duration) time.Duration {
	d := min(max(cur, p.min), p.max)
	if j := d / 5; j > 0 {
		d += rand.N(j + 1)
	}
	return d
}

// GoRestart keeps fn running: an error or panic restarts it after an
// exponential backoff. A nil return or cancellation ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name+".restart", func(ctx context.Context) {
		next := p.min
		for restarts := 0; ctx.Err() == nil; {
			began := time.Now()
			err := protect(ctx, fn, func(v any, stack []byte) {
				s.log.Error("goroutine panicked; will restart", logx.String("name", name), logx.Any("panic", v), logx.String("stack", string(stack)))
			})
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			if p.publish {
				s.record(err)
			}

			restarts++
			s.restarts.Add(1)
			if p.maxRestarts > 0 && restarts > p.maxRestarts {
				s.log.Error("giving up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(began) >= healthyRun {
				next = p.min
			}
			wait := p.delay(next)
			s.log.Warn("restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			next = min(next*2, p.max)
		}
	})
}
