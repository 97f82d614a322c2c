//go:build windows

package daemon

import (
	"errors"
	"os"
	"time"
)

// ErrNotSupported is returned by the background helpers on Windows, which has
// no freedesktop thumbnail service.
var ErrNotSupported = errors.New("background mode is not supported on Windows")

// IsDaemonChild always returns false on Windows.
func IsDaemonChild() bool { return false }

// FindProcess opens a handle, so it fails for processes that are gone.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// StopDaemon is not supported on Windows.
func StopDaemon(pid int) error { return ErrNotSupported }

// Daemonize is not supported on Windows.
func Daemonize(args []string, pidFile *PIDFile, timeout time.Duration) (int, error) {
	return 0, ErrNotSupported
}
