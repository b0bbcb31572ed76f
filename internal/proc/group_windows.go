//go:build windows

package proc

import "os/exec"

// KillGroupOnCancel is a no-op on Windows; the default CommandContext kill applies.
func KillGroupOnCancel(cmd *exec.Cmd) {}
