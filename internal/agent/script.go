package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ppiankov/storyforge/internal/proc"
)

// PromptFileEnv names the variable that points a script agent at the prompt file.
const PromptFileEnv = "STORYFORGE_PROMPT_FILE"

type scriptBackend struct {
	command string
	opts    Options
}

// NewScript returns an agent that runs command via `sh -c` with the prompt
// on stdin and its path in STORYFORGE_PROMPT_FILE. A non-zero exit is a
// failed attempt; the last line of stdout is the final message.
func NewScript(command string, opts Options) *Agent {
	return &Agent{b: &scriptBackend{command: command, opts: opts}, opts: opts}
}

func (s *scriptBackend) name() string { return "script" }

func (s *scriptBackend) exec(ctx context.Context, prompt, repoDir, outputDir string) run {
	promptFile := filepath.Join(outputDir, "prompt.txt")
	if err := os.WriteFile(promptFile, []byte(prompt), 0o600); err != nil {
		return run{failed: true, reason: fmt.Sprintf("write prompt: %v", err)}
	}

	slog.Debug("spawning script agent", "dir", repoDir, "command", s.command)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", s.command)
	proc.KillGroupOnCancel(cmd)
	cmd.Dir = repoDir
	cmd.Env = append(s.opts.environ(true), PromptFileEnv+"="+promptFile)
	cmd.Stdin = strings.NewReader(prompt)

	stdout := createLog(outputDir, "output.log")
	stderr := createLog(outputDir, "stderr.log")
	hw := newHealthWriter(stderr, cancel)
	cmd.Stderr = hw

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return run{failed: true, reason: fmt.Sprintf("stdout pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return run{failed: true, reason: fmt.Sprintf("start script: %v", err)}
	}

	idle := watchIdle(pipe, s.opts.IdleTimeout, cancel)
	last := copyLastLine(stdout, idle)
	idle.Stop()
	err = cmd.Wait()
	_ = stdout.Close()
	_ = stderr.Close()

	r := run{lastMsg: last}
	switch {
	case idle.Fired():
		r.failed, r.reason = true, fmt.Sprintf("idle timeout: no output for %s", s.opts.IdleTimeout)
	case hw.Detected():
		r.failed, r.reason = true, "connectivity: "+hw.Reason()
	case err != nil:
		r.failed, r.reason = true, fmt.Sprintf("script exited: %v", err)
	}
	return r
}

// copyLastLine copies r to w and returns the last non-empty line.
func copyLastLine(w io.Writer, r io.Reader) string {
	var last string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = io.WriteString(w, line+"\n")
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	// drain anything the scanner refused so the child never blocks on a full pipe
	_, _ = io.Copy(w, r)
	return last
}
