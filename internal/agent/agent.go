// Package agent adapts external coding-agent CLIs to the engine's Agent contract.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/storyforge/internal/engine"
)

// TreeProbe reports whether the working tree has uncommitted changes.
type TreeProbe interface {
	Dirty(ctx context.Context) (bool, error)
}

// Options configure every agent kind.
type Options struct {
	Model       string
	Env         map[string]string // resolved profile env; implies a sanitized base environment
	IdleTimeout time.Duration     // 0 disables
	Timeout     time.Duration     // wall-clock cap per attempt, 0 disables
	BasePrompt  string            // empty means the built-in prompt
	Probe       TreeProbe         // optional, used to detect no-op attempts
}

// run is the outcome of a single agent process.
type run struct {
	failed  bool
	reason  string
	lastMsg string
}

// backend spawns one agent process for a prompt.
type backend interface {
	name() string
	exec(ctx context.Context, prompt, repoDir, outputDir string) run
}

// Agent runs a backend once per attempt and classifies the result.
type Agent struct {
	b    backend
	opts Options
}

// Name returns the agent kind.
func (a *Agent) Name() string { return a.b.name() }

// Propose implements engine.Agent.
func (a *Agent) Propose(ctx context.Context, req engine.ChangeRequest) engine.ChangeResult {
	base := a.opts.BasePrompt
	if base == "" {
		base = defaultPrompt
	}
	prompt := BuildPrompt(base, req)

	outputDir, cleanup, err := ensureDir(req.OutputDir)
	if err != nil {
		return engine.ChangeResult{Outcome: engine.ChangeFailed, Reason: err.Error()}
	}
	defer cleanup()
	if err := os.WriteFile(filepath.Join(outputDir, "prompt.md"), []byte(prompt), 0o644); err != nil {
		slog.Warn("cannot write prompt file", "dir", outputDir, "error", err)
	}

	dirtyBefore, probed := a.dirty(ctx)

	slog.Debug("proposing change", "agent", a.b.name(), "story", req.Story.ID, "attempt", req.Attempt)
	r := a.exec(ctx, prompt, req.RepoDir, outputDir)

	transcript, _ := Redact(r.lastMsg)
	if n := redactDir(outputDir); n > 0 {
		slog.Warn("agent output contained secrets", "story", req.Story.ID, "count", n)
	}

	if r.failed {
		return engine.ChangeResult{Outcome: engine.ChangeFailed, Reason: r.reason, Transcript: transcript}
	}
	if strings.Contains(r.lastMsg, NoOpMarker) {
		return engine.ChangeResult{Outcome: engine.ChangeNoOp, Transcript: transcript}
	}
	if probed && !dirtyBefore {
		if dirtyAfter, ok := a.dirty(ctx); ok && !dirtyAfter {
			return engine.ChangeResult{Outcome: engine.ChangeNoOp, Transcript: transcript}
		}
	}
	return engine.ChangeResult{Outcome: engine.ChangeApplied, Transcript: transcript}
}

// Ask sends a free-form prompt and returns the agent's final message.
// Used for backlog authoring, where no working-tree change is expected.
func (a *Agent) Ask(ctx context.Context, prompt, repoDir string) (string, error) {
	outputDir, cleanup, err := ensureDir("")
	if err != nil {
		return "", err
	}
	defer cleanup()

	r := a.exec(ctx, prompt, repoDir, outputDir)
	if r.failed {
		return "", fmt.Errorf("%s: %s", a.b.name(), r.reason)
	}
	if strings.TrimSpace(r.lastMsg) == "" {
		return "", fmt.Errorf("%s: empty response", a.b.name())
	}
	return r.lastMsg, nil
}

func (a *Agent) exec(ctx context.Context, prompt, repoDir, outputDir string) run {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}
	r := a.b.exec(ctx, prompt, repoDir, outputDir)
	if !r.failed && ctx.Err() != nil {
		r.failed = true
		r.reason = fmt.Sprintf("%s: %v", a.b.name(), ctx.Err())
	}
	if r.failed && errors.Is(ctx.Err(), context.DeadlineExceeded) && a.opts.Timeout > 0 {
		r.reason = fmt.Sprintf("timed out after %s", a.opts.Timeout)
	}
	return r
}

func (a *Agent) dirty(ctx context.Context) (bool, bool) {
	if a.opts.Probe == nil {
		return false, false
	}
	d, err := a.opts.Probe.Dirty(ctx)
	if err != nil {
		slog.Debug("tree probe failed", "error", err)
		return false, false
	}
	return d, true
}

// environ returns the subprocess environment, or nil to inherit.
func (o Options) environ(sanitize bool) []string {
	if len(o.Env) == 0 && !sanitize {
		return nil
	}
	return append(SanitizedEnv(), envSlice(o.Env)...)
}

// ensureDir creates dir, or a temporary directory when dir is empty.
func ensureDir(dir string) (string, func(), error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "storyforge-agent-*")
		if err != nil {
			return "", nil, fmt.Errorf("create temp output dir: %w", err)
		}
		return tmp, func() { _ = os.RemoveAll(tmp) }, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}
	return dir, func() {}, nil
}

// createLog opens an artifact file, falling back to io.Discard.
func createLog(dir, name string) io.WriteCloser {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		slog.Warn("cannot create log file", "path", path, "error", err)
		return nopCloser{io.Discard}
	}
	return f
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
