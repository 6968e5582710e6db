// Package sdnotify reports service state to systemd (Type=notify units).
// Every call is a no-op when NOTIFY_SOCKET is unset.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "dvmnbot/pkg/logx"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	log     logx.Logger
	enabled bool
	notify  func(unsetEnv bool, state string) (bool, error)
	wdEvery func(unsetEnv bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, enabled: enabled, notify: daemon.SdNotify, wdEvery: daemon.SdWatchdogEnabled}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx ends.
// A tick is skipped while healthy (if non-nil) reports false.
// It returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	if !n.enabled {
		return
	}
	every, err := n.wdEvery(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Debug("watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld, no recent progress")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) {
	if !n.enabled {
		return
	}
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
