//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// configureProcess starts the shell in its own process group so a cancel
// reaches every child. SIGTERM goes first; SIGKILL follows after grace.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group is gone.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}

// exitCode maps a Wait error to a shell-style status: the exit code, or
// 128 plus the signal number when the process was killed.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}
