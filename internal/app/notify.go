package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewspeed/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a unit with
// NOTIFY_SOCKET every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	send     func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		send:     func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) Reloading() { n.notify(daemon.SdNotifyReloading) }
func (n *sdNotifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }

// WatchdogInterval returns how often to ping the watchdog, or 0 when the
// unit has none configured.
func (n *sdNotifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog settings unreadable", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings systemd every interval until ctx is done.
func (n *sdNotifier) RunWatchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
