// Package systemd reports service state to the systemd supervisor
// (Type=notify units). Every call is a no-op outside systemd.
package systemd

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup is complete. sent is false when NOTIFY_SOCKET is unset.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}
