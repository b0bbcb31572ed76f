package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ppiankov/storyforge/internal/proc"
)

// claudeEvent is one line of `claude -p --output-format stream-json`.
// Older CLI versions put message fields at the top level; newer ones nest
// them under "message" and report the outcome via is_error.
type claudeEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content []claudeContent `json:"content,omitempty"`
	Message *claudeMessage  `json:"message,omitempty"`
	Status  string          `json:"status,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Result  string          `json:"result,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeBackend struct {
	binary string
	opts   Options
}

// NewClaude returns an agent driving the Claude Code CLI.
func NewClaude(opts Options) *Agent {
	return &Agent{b: &claudeBackend{binary: "claude", opts: opts}, opts: opts}
}

func (c *claudeBackend) name() string { return "claude" }

func (c *claudeBackend) exec(ctx context.Context, prompt, repoDir, outputDir string) run {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	args = append(args, prompt)

	slog.Debug("spawning claude", "dir", repoDir, "model", c.opts.Model)

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
		return run{failed: true, reason: fmt.Sprintf("start claude: %v", err)}
	}

	idle := watchIdle(stdout, c.opts.IdleTimeout, cancel)
	defer idle.Stop()

	failed, lastMsg := parseClaudeEvents(idle, outputDir)
	exitErr := cmd.Wait()

	r := run{lastMsg: lastMsg}
	switch {
	case idle.Fired():
		r.failed, r.reason = true, fmt.Sprintf("idle timeout: no output for %s", c.opts.IdleTimeout)
	case hw.Detected():
		r.failed, r.reason = true, "connectivity: "+hw.Reason()
	case rl.Detected():
		r.failed, r.reason = true, rl.Reason()
	case failed:
		r.failed, r.reason = true, "claude reported an error result"
		if lastMsg != "" {
			r.reason += ": " + firstLine(lastMsg)
		}
	case exitErr != nil:
		// exit status is unreliable; trust the event stream
		slog.Warn("claude exited with error but no failure event", "error", exitErr)
	}
	return r
}

// parseClaudeEvents reads NDJSON from stdout, copies it to events.jsonl and
// returns whether the run failed and the last assistant text.
func parseClaudeEvents(r io.Reader, outputDir string) (bool, string) {
	events := createLog(outputDir, "events.jsonl")
	defer func() { _ = events.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var failed bool
	var lastMsg string
	for scanner.Scan() {
		line := scanner.Bytes()
		_, _ = events.Write(line)
		_, _ = events.Write([]byte("\n"))

		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("unparseable jsonl line", "error", err)
			continue
		}

		switch ev.Type {
		case "result":
			if ev.Status == "error" || ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
				failed = true
			}
			if ev.Result != "" {
				lastMsg = ev.Result
			}
		case "message", "assistant":
			content, role := ev.Content, ev.Role
			if ev.Message != nil {
				content, role = ev.Message.Content, ev.Message.Role
			}
			if role != "assistant" && ev.Type != "assistant" {
				continue
			}
			for _, c := range content {
				if c.Type == "text" && c.Text != "" {
					lastMsg = c.Text
				}
			}
		}
	}
	return failed, lastMsg
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if head, cut := proc.Clip(line, 200); cut {
		line = head + "..."
	}
	return line
}
