package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ppiankov/storyforge/internal/proc"
)

// codexEvent is one line of `codex exec --json`.
type codexEvent struct {
	Type  string     `json:"type"`
	Item  *codexItem `json:"item,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type codexItem struct {
	Type    string `json:"type"` // reasoning, command_execution, agent_message
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

const (
	codexTurnFailed    = "turn.failed"
	codexItemCompleted = "item.completed"
)

type codexBackend struct {
	binary string
	opts   Options
}

// NewCodex returns an agent driving `codex exec`.
func NewCodex(opts Options) *Agent {
	return &Agent{b: &codexBackend{binary: "codex", opts: opts}, opts: opts}
}

func (c *codexBackend) name() string { return "codex" }

func (c *codexBackend) exec(ctx context.Context, prompt, repoDir, outputDir string) run {
	lastFile := filepath.Join(outputDir, "output.md")
	args := []string{"exec", "--full-auto", "--json", "--output-last-message", lastFile}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if repoDir != "" {
		args = append(args, "-C", repoDir)
	}
	args = append(args, prompt)

	slog.Debug("spawning codex", "dir", repoDir, "model", c.opts.Model)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	proc.KillGroupOnCancel(cmd)
	cmd.Dir = repoDir
	cmd.Env = c.opts.environ(false)

	stderr := createLog(outputDir, "stderr.log")
	defer func() { _ = stderr.Close() }()
	rl := newRateLimitWriter(stderr, cancel)
	hw := newHealthWriter(rl, cancel)
	cmd.Stderr = hw

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return run{failed: true, reason: fmt.Sprintf("stdout pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return run{failed: true, reason: fmt.Sprintf("start codex: %v", err)}
	}

	idle := watchIdle(stdout, c.opts.IdleTimeout, cancel)
	defer idle.Stop()

	failed, reason, lastMsg := parseCodexEvents(idle, outputDir)
	exitErr := cmd.Wait()

	if lastMsg == "" {
		if data, err := os.ReadFile(lastFile); err == nil {
			lastMsg = string(data)
		}
	}

	r := run{lastMsg: lastMsg}
	switch {
	case idle.Fired():
		r.failed, r.reason = true, fmt.Sprintf("idle timeout: no output for %s", c.opts.IdleTimeout)
	case hw.Detected():
		r.failed, r.reason = true, "connectivity: "+hw.Reason()
	case rl.Detected():
		r.failed, r.reason = true, rl.Reason()
	case failed:
		r.failed, r.reason = true, "codex turn failed"
		if reason != "" {
			r.reason += ": " + reason
		}
	case exitErr != nil:
		slog.Warn("codex exited with error but no turn.failed", "error", exitErr)
	}
	return r
}

// parseCodexEvents reads JSONL from stdout, copies it to events.jsonl and
// returns (failed, failure message, last agent message).
func parseCodexEvents(r io.Reader, outputDir string) (bool, string, string) {
	events := createLog(outputDir, "events.jsonl")
	defer func() { _ = events.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var failed bool
	var reason, lastMsg string
	for scanner.Scan() {
		line := scanner.Bytes()
		_, _ = events.Write(line)
		_, _ = events.Write([]byte("\n"))

		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("unparseable jsonl line", "error", err)
			continue
		}
		switch ev.Type {
		case codexTurnFailed:
			failed = true
			if ev.Error != nil {
				reason = ev.Error.Message
			}
		case codexItemCompleted:
			if ev.Item == nil || ev.Item.Type != "agent_message" {
				continue
			}
			if ev.Item.Text != "" {
				lastMsg = ev.Item.Text
			} else if ev.Item.Content != "" {
				lastMsg = ev.Item.Content
			}
		}
	}
	return failed, reason, lastMsg
}
