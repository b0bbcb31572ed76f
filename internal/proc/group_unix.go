//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// KillGroupOnCancel starts the child in its own process group and makes
// context cancellation kill the whole group, so grandchildren spawned by
// the agent or the check command do not outlive it.
func KillGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
