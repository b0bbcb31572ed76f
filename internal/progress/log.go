// Package progress keeps the append-only progress log whose content is fed
// back to the agent as previous learnings.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/proc"
)

// DefaultFile is the progress log name used when none is configured.
const DefaultFile = "progress.txt"

// DefaultLearningsLimit bounds how much of the log is fed into a prompt.
const DefaultLearningsLimit = 12 * 1024

const timeLayout = "2006-01-02 15:04:05"

// detailLimit bounds the verification excerpt written per entry.
const detailLimit = 1500

// Entry is one story outcome as written to the log.
type Entry struct {
	Time    time.Time
	Outcome engine.Outcome
	StoryID string
	Details []string
}

// Log is a markdown file that only ever grows.
type Log struct {
	Path  string
	Limit int // bytes returned by Learnings, 0 = DefaultLearningsLimit

	mu sync.Mutex
}

// New returns a log at path.
func New(path string) *Log {
	return &Log{Path: path}
}

// Read returns the whole log, or "" when it does not exist yet.
func (l *Log) Read() (string, error) {
	data, err := os.ReadFile(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read progress log: %w", err)
	}
	return string(data), nil
}

// Learnings implements engine.LearningsSource. It returns the newest part of
// the log, cut at an entry boundary when possible.
func (l *Log) Learnings() string {
	content, err := l.Read()
	if err != nil {
		slog.Warn("progress log unreadable", "path", l.Path, "error", err)
		return ""
	}
	limit := l.Limit
	if limit <= 0 {
		limit = DefaultLearningsLimit
	}
	cut, clipped := proc.ClipTail(content, limit)
	if !clipped {
		return content
	}
	if i := strings.Index(cut, "\n## ["); i >= 0 {
		cut = cut[i+1:]
	}
	return cut
}

// Append writes one entry at the end of the log.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	if _, err := f.WriteString(Format(e)); err != nil {
		_ = f.Close()
		return fmt.Errorf("append progress log: %w", err)
	}
	return f.Close()
}

// Format renders an entry:
//
//	## [2026-01-02 15:04:05] Accepted: US-001
//	- revision: 3f2a…
func Format(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## [%s] %s: %s\n", e.Time.Format(timeLayout), outcomeLabel(e.Outcome), e.StoryID)
	for _, d := range e.Details {
		b.WriteString(d)
		if !strings.HasSuffix(d, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func outcomeLabel(o engine.Outcome) string {
	s := string(o)
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Observer appends an entry for every story that reaches a final outcome.
// Skipped stories are not logged.
type Observer struct {
	engine.NopObserver
	Log *Log
	Now func() time.Time
}

func (o *Observer) StoryFinished(_ engine.RunContext, r engine.StoryResult) {
	if r.Outcome == engine.OutcomeSkipped {
		return
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	if err := o.Log.Append(Entry{Time: now(), Outcome: r.Outcome, StoryID: r.StoryID, Details: details(r)}); err != nil {
		slog.Warn("failed to append progress log", "story", r.StoryID, "error", err)
	}
}

func details(r engine.StoryResult) []string {
	var d []string
	if r.Title != "" {
		d = append(d, "- title: "+r.Title)
	}
	d = append(d, fmt.Sprintf("- attempts: %d", r.Attempts))
	switch r.Outcome {
	case engine.OutcomeAccepted:
		if r.NoChanges {
			d = append(d, "- commit: none (no changes needed)")
		} else if r.Revision != "" {
			d = append(d, "- commit: "+r.Revision)
		}
		if s := summarize(r.Transcript); s != "" {
			d = append(d, "- agent: "+s)
		}
	default:
		if r.Reason != "" {
			d = append(d, "Error: "+r.Reason)
		}
		if out := strings.TrimSpace(r.LastVerification); out != "" {
			if tail, cut := proc.ClipTail(out, detailLimit); cut {
				out = "…" + tail
			}
			d = append(d, "```\n"+out+"\n```")
		}
	}
	return d
}

// summarize keeps the first line of the agent's final message.
func summarize(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if head, cut := proc.Clip(line, 300); cut {
		line = head + "…"
	}
	return line
}
