//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcess places the child in its own process group so that a
// termination signal reaches the engine and every worker it forked.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the child's process group, falling
// back to signalling just the child when the group is unreachable.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			return nil
		}
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// exitInfoFrom derives the exit code and terminating signal from a
// completed command.
func exitInfoFrom(cmd *exec.Cmd, waitErr error) ExitInfo {
	if waitErr == nil {
		return ExitInfo{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitInfo{Code: -1, Signal: "SIG" + shortSignalName(ws.Signal())}
			}
			return ExitInfo{Code: ws.ExitStatus()}
		}
		return ExitInfo{Code: exitErr.ExitCode()}
	}

	// Wait itself failed (I/O error, not an exit status); treat as an
	// unknown abnormal exit.
	return ExitInfo{Code: -1}
}

func shortSignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "TERM"
	case syscall.SIGKILL:
		return "KILL"
	case syscall.SIGINT:
		return "INT"
	case syscall.SIGHUP:
		return "HUP"
	case syscall.SIGQUIT:
		return "QUIT"
	default:
		return fmt.Sprintf("%d", int(sig))
	}
}

// TerminatePID sends SIGTERM to the process group of a pid the supervisor
// has no handle for, e.g. a survivor from a previous server run.
func TerminatePID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			return nil
		}
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive probes a pid with signal 0. It reports false for pid 0,
// reaped processes, and pids owned by other users that refuse the probe
// with anything other than EPERM.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
