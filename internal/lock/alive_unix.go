//go:build !windows

package lock

import (
	"os"
	"syscall"
)

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 probes existence
	return p.Signal(syscall.Signal(0)) == nil
}
