//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the replica in its own process group so everything
// it forks can be killed together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the replica and everything it forked.
func killProcessGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return cmd.Process.Kill()
	}
	return err
}
