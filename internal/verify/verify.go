// Package verify runs the acceptance check command against a working tree.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/proc"
)

// ErrUnavailable is engine.ErrUnavailable, re-exported for callers of this package.
var ErrUnavailable = engine.ErrUnavailable

// DefaultCommand is the check used when none is configured.
const DefaultCommand = "make test"

// DefaultOutputTail bounds the verification output fed back to the agent.
const DefaultOutputTail = 16 * 1024

// CommandVerifier runs shell commands in sequence and stops at the first failure.
type CommandVerifier struct {
	Commands   []string      // each run via sh -c in the repo dir
	Timeout    time.Duration // per command, 0 disables
	OutputTail int           // bytes of combined output kept, 0 = DefaultOutputTail
	LogDir     string        // optional; each run appends a numbered log here

	runs int
}

// Verify implements engine.Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, repoDir string) (engine.Verification, error) {
	start := time.Now()
	if fi, err := os.Stat(repoDir); err != nil || !fi.IsDir() {
		return engine.Verification{}, fmt.Errorf("%w: repo dir %s is not a directory", ErrUnavailable, repoDir)
	}

	commands := v.Commands
	if len(commands) == 0 {
		commands = []string{DefaultCommand}
	}
	tail := v.OutputTail
	if tail <= 0 {
		tail = DefaultOutputTail
	}

	out := &proc.TailBuffer{Max: tail}
	passed := true
	for _, c := range commands {
		fmt.Fprintf(out, "$ %s\n", c)
		ok, err := v.run(ctx, c, repoDir, out)
		if err != nil {
			v.writeLog(out.String())
			return engine.Verification{Output: out.String(), Duration: time.Since(start)}, err
		}
		if !ok {
			passed = false
			break
		}
	}

	res := engine.Verification{Passed: passed, Output: out.String(), Duration: time.Since(start)}
	v.writeLog(res.Output)
	slog.Debug("verification finished", "dir", repoDir, "passed", passed, "duration", res.Duration)
	return res, nil
}

// run executes one command. It returns (false, nil) for an ordinary failing
// check and an error wrapping ErrUnavailable when the command could not run.
func (v *CommandVerifier) run(ctx context.Context, command, dir string, out *proc.TailBuffer) (bool, error) {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	proc.KillGroupOnCancel(cmd)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(out, "\n%s: timed out after %s\n", command, v.Timeout)
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false, fmt.Errorf("%w: %s: %v", ErrUnavailable, command, err)
	}
	// 126: found but not executable, 127: command not found
	if code := exitErr.ExitCode(); code == 126 || code == 127 {
		return false, fmt.Errorf("%w: %s exited %d: %s", ErrUnavailable, command, code, lastLine(out.String()))
	}
	fmt.Fprintf(out, "\n%s: %v\n", command, err)
	return false, nil
}

func (v *CommandVerifier) writeLog(output string) {
	if v.LogDir == "" {
		return
	}
	v.runs++
	if err := os.MkdirAll(v.LogDir, 0o755); err != nil {
		slog.Warn("cannot create verify log dir", "path", v.LogDir, "error", err)
		return
	}
	path := filepath.Join(v.LogDir, fmt.Sprintf("verify-%03d.log", v.runs))
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		slog.Warn("cannot write verify log", "path", path, "error", err)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
