//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// daemonChildEnv marks the detached copy started by Daemonize.
const daemonChildEnv = "THUMBLINK_DAEMON_CHILD"

// IsDaemonChild reports whether this process was started by Daemonize.
func IsDaemonChild() bool {
	return os.Getenv(daemonChildEnv) == "1"
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only probes. EPERM means the process exists under another user.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// StopDaemon asks the watch daemon with the given PID to shut down.
func StopDaemon(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// Daemonize runs this executable again with args in a new session, detached
// from the terminal, and waits up to timeout for the copy to acquire pidFile.
// It returns the PID of the copy. The copy's standard streams are /dev/null,
// so a copy that dies during startup is reported with a pointer to the log.
func Daemonize(args []string, pidFile *PIDFile, timeout time.Duration) (int, error) {
	if IsDaemonChild() {
		return 0, errors.New("already running detached")
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start watch daemon: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exit status 0")
			}
			return 0, fmt.Errorf("watch daemon exited during startup (%v), see its log file", err)
		case <-deadline.C:
			return pid, fmt.Errorf("watch daemon (PID %d) did not record itself in %s within %s", pid, pidFile.Path(), timeout)
		case <-ticker.C:
			if pidFile.Read() == pid {
				return pid, nil
			}
		}
	}
}
