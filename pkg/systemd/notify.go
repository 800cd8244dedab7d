// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process was not started with NOTIFY_SOCKET.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready reports READY=1 along with a status line.
func Ready(status string) (bool, error) {
	return notify(false, daemon.SdNotifyReady+"\nSTATUS="+status)
}

// Reloading brackets a config reload; call Ready afterwards.
func Reloading() (bool, error) {
	return notify(false, daemon.SdNotifyReloading)
}

func Stopping() (bool, error) {
	return notify(false, daemon.SdNotifyStopping)
}

// Status updates the free-form status line shown by systemctl status.
func Status(status string) (bool, error) {
	return notify(false, "STATUS="+status)
}

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx
// ends. healthy is consulted before each ping; a failing check skips the
// ping so systemd restarts the unit. It returns immediately when the
// watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return watchdogLoop(ctx, interval/2, healthy)
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
