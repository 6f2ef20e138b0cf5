// Package systemd reports service state to systemd via sd_notify. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "notifyrelay/pkg/logx"
)

// Ready tells systemd start-up finished (Type=notify units).
func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown has begun.
func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, status string) { notify(log, "STATUS="+status) }

// StatusLoop publishes status() right away and then every interval until
// ctx is done. Without a notify socket it returns at once.
func StatusLoop(ctx context.Context, log logx.Logger, every time.Duration, status func() string) {
	if status == nil || !daemonSocket() {
		return
	}
	if every <= 0 {
		every = 30 * time.Second
	}
	Status(log, status())
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			Status(log, status())
		}
	}
}

func daemonSocket() bool { return os.Getenv("NOTIFY_SOCKET") != "" }

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half the configured interval
// while healthy returns nil. It returns immediately when WatchdogSec is
// not set for the unit.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("watchdog ping skipped: unhealthy", logx.Err(err))
					continue
				}
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
