//go:build !unix

package executor

import (
	"errors"
	"os/exec"
	"time"
)

// Without process groups only the shell itself is killed.
func configureProcess(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
