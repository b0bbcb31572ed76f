//go:build !windows

package proc

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestKillGroupOnCancelKillsChildren(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 60 & sleep 60")
	KillGroupOnCancel(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	cancel()
	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	if err := syscall.Kill(-pid, 0); err == nil {
		t.Errorf("process group %d still alive after cancel", pid)
	}
}

func TestKillGroupOnCancelNormalExit(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "echo", "hello")
	KillGroupOnCancel(cmd)
	out, err := cmd.Output()
	if err != nil || len(out) == 0 {
		t.Fatalf("output = %q, err = %v", out, err)
	}
	if !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid not set")
	}
}

func TestKillGroupOnCancelBeforeStart(t *testing.T) {
	cmd := exec.Command("nonexistent-binary-xyz")
	KillGroupOnCancel(cmd)
	if err := cmd.Cancel(); err != nil {
		t.Errorf("cancel before start: %v", err)
	}
}
