// Package systemd integrates with sd_notify so the coordinator can run as a
// Type=notify unit with an optional watchdog.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "camsync/pkg/logx"
)

// NotifyReady signals readiness to the service manager. Returns false when
// not running under systemd (NOTIFY_SOCKET unset), which is not an error.
func NotifyReady(log logx.Logger) bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
		return false
	}
	if sent {
		log.Debug("sd_notify READY sent")
	}
	return sent
}

// NotifyStopping signals that shutdown has begun.
func NotifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}

// WatchdogLoop feeds the systemd watchdog at half the configured interval
// until ctx is canceled. It returns immediately when no watchdog is set.
func WatchdogLoop(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog query failed", logx.Err(err))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
			}
		}
	}
}
