// Package app wires the speed-test server: config, logging, the transfer
// endpoints, the listener and systemd notifications.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pewspeed/internal/config"
	"pewspeed/internal/httpserver"
	"pewspeed/internal/runtime/supervisor"
	"pewspeed/internal/transfer"
	logx "pewspeed/pkg/logx"
)

// Options override values from the config file.
type Options struct {
	ConfigPath string
	Addr       string
	StaticDir  string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	reg      *prometheus.Registry
	transfer *transfer.Server
	http     *httpserver.Service
	sd       *sdNotifier

	hasFile bool
}

func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, found, err := cfgm.LoadOptional()
	if err != nil {
		return nil, err
	}
	cfg = applyOverrides(cfg, opts)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	if !found {
		log.Info("config file not found; using defaults", logx.String("path", opts.ConfigPath))
	}

	settings, err := mapServerSettings(cfg)
	if err != nil {
		return nil, err
	}
	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	var reg *prometheus.Registry
	if cfg.Server.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ts := transfer.New(transfer.Options{
		Settings:  settings,
		StaticDir: cfg.Server.StaticDir,
		Metrics:   cfg.Server.Metrics,
		Registry:  reg,
		Logger:    log.With(logx.String("comp", "transfer")),
	})
	hs := httpserver.New(httpCfg, ts.Handler(), log.With(logx.String("comp", "http")))

	return &App{
		opts:     opts,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		reg:      reg,
		transfer: ts,
		http:     hs,
		sd:       newSDNotifier(log.With(logx.String("comp", "systemd"))),
		hasFile:  found,
	}, nil
}

// applyOverrides returns a copy of cfg with command-line values applied.
func applyOverrides(cfg *config.Config, opts Options) *config.Config {
	out := *cfg
	if v := strings.TrimSpace(opts.Addr); v != "" {
		out.Server.Addr = v
	}
	if v := strings.TrimSpace(opts.StaticDir); v != "" {
		out.Server.StaticDir = v
	}
	return &out
}

// Addr returns the bound listener address, empty before Start.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(applyOverrides(cfg, a.opts))
	})

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	if a.hasFile {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	}

	if every := a.sd.WatchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.RunWatchdog(c, every) })
	}
	a.sd.Ready()

	a.log.Info("server started",
		logx.String("addr", a.http.Addr()),
		logx.Bool("metrics", a.reg != nil),
		logx.Bool("hot_reload", a.hasFile),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary.
	lastApplied := applyOverrides(a.cfgm.Get(), a.opts)
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			newCfg = applyOverrides(newCfg, a.opts)
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	a.logs.Apply(mapLogConfig(newCfg))

	if st, err := mapServerSettings(newCfg); err != nil {
		a.log.Warn("invalid server settings; keeping previous", logx.Err(err))
	} else {
		a.transfer.Apply(st)
	}

	if config.ListenerChanged(oldCfg, newCfg) {
		hc, err := mapHTTPConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid listener config; keeping previous", logx.Err(err))
		} else if err := a.http.Reconfigure(ctx, hc); err != nil {
			a.log.Error("listener reconfigure failed", logx.Err(err))
		}
	}

	if strings.TrimSpace(oldCfg.Server.StaticDir) != strings.TrimSpace(newCfg.Server.StaticDir) ||
		oldCfg.Server.Metrics != newCfg.Server.Metrics {
		a.log.Warn("server.static_dir/server.metrics changed; restart required for changes to take effect")
	}
	if !reflect.DeepEqual(oldCfg.History, newCfg.History) || !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		a.log.Debug("client/history sections changed; they only affect the speedtest client")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// In-flight requests inherit the supervisor context, so drain the
	// listener before canceling it.
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.sup.Cancel()
	// Finally, wait for supervised goroutines (config watch/reload, watchdog).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
