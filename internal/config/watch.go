package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pewspeed/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// reloadOps are the events that can change the file's content. Editors
// that save by rename show up as Create/Rename on the directory.
const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file on change until ctx is done. The directory is
// watched rather than the file so atomic-rename saves are seen. A broken
// watcher is recreated after a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	d := &debouncer{wait: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer d.stop()
	b := backoff{next: watchBackoffMin}

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, d, &b, log)
		if ctx.Err() != nil {
			break
		}
		wait := b.step()
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, d *debouncer, b *backoff, log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	b.reset()
	log.Debug("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&reloadOps != 0 {
				log.Debug("config change detected", logx.String("op", ev.Op.String()))
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// events were lost; re-read once
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				d.trigger()
			case strings.Contains(msg, "closed"):
				return err
			default:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

type watchError string

func (e watchError) Error() string { return string(e) }

const errWatcherClosed = watchError("fsnotify channels closed")

// debouncer runs fn once, wait after the last trigger.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// backoff doubles up to watchBackoffMax with up to 50% jitter.
type backoff struct{ next time.Duration }

func (b *backoff) reset() { b.next = watchBackoffMin }

func (b *backoff) step() time.Duration {
	wait := b.next + rand.N(b.next/2+1)
	b.next = min(b.next*2, watchBackoffMax)
	return wait
}
