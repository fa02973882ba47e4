package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "pewspeed/pkg/logx"
)

// Job is one scheduled unit of work. Its context is canceled when the
// runner stops.
type Job func(ctx context.Context) error

type Options struct {
	// Timezone is an IANA name for cron evaluation; empty means Local.
	Timezone string
	// RunNow fires the job once at start instead of waiting for the first tick.
	RunNow bool
	Logger logx.Logger
}

// Counters is a snapshot of runner activity.
type Counters struct {
	Runs    uint64
	Failed  uint64
	Skipped uint64
}

type Runner struct {
	spec  ParsedSpec
	sched cron.Schedule
	loc   *time.Location
	job   Job
	opts  Options
	log   logx.Logger

	runs    atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

func New(raw string, job Job, opts Options) (*Runner, error) {
	if job == nil {
		return nil, errors.New("schedule: nil job")
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "schedule"))
	return &Runner{
		spec:  spec,
		sched: sched,
		loc:   loadLocation(opts.Timezone, log),
		job:   job,
		opts:  opts,
		log:   log,
	}, nil
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (r *Runner) Spec() ParsedSpec { return r.spec }

func (r *Runner) Location() *time.Location { return r.loc }

func (r *Runner) Counters() Counters {
	return Counters{Runs: r.runs.Load(), Failed: r.failed.Load(), Skipped: r.skipped.Load()}
}

// Next returns the next n fire times after from.
func (r *Runner) Next(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from.In(r.loc)
	for i := 0; i < n; i++ {
		t = r.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// wrap builds the cron job for ctx: panics are recovered and a tick that
// lands while the previous run is still going is dropped.
func (r *Runner) wrap(ctx context.Context) cron.Job {
	l := cronLogger{log: r.log, skipped: &r.skipped}
	return cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		n := r.runs.Add(1)
		start := time.Now()
		err := r.job(ctx)
		if err != nil && ctx.Err() == nil {
			r.failed.Add(1)
			r.log.Warn("scheduled run failed", logx.Uint64("run", n), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		r.log.Debug("scheduled run finished", logx.Uint64("run", n), logx.Duration("took", time.Since(start)))
	}))
}

// Run blocks until ctx is done, then waits for an in-flight run to return.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("schedule: nil context")
	}
	job := r.wrap(ctx)

	c := cron.New(cron.WithLocation(r.loc), cron.WithLogger(cronLogger{log: r.log, skipped: &r.skipped}))
	c.Schedule(r.sched, job)
	c.Start()

	r.log.Info("schedule started",
		logx.String("spec", r.spec.String()),
		logx.String("kind", r.spec.Kind.String()),
		logx.String("tz", r.loc.String()),
	)
	if next := r.Next(time.Now(), 1); len(next) > 0 {
		r.log.Info("next run", logx.Time("at", next[0]))
	}
	var wg sync.WaitGroup
	if r.opts.RunNow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	r.log.Info("schedule stopped", logx.Uint64("runs", r.runs.Load()), logx.Uint64("skipped", r.skipped.Load()))
	return nil
}

// cronLogger adapts logx to cron.Logger and counts skipped ticks.
type cronLogger struct {
	log     logx.Logger
	skipped *atomic.Uint64
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.skipped.Add(1)
		l.log.Info("previous run still in progress; tick skipped")
		return
	}
	l.log.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
