package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/history"
	"github.com/ppiankov/storyforge/internal/proc"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

// TextReporter writes human-readable output to a writer.
type TextReporter struct {
	w     io.Writer
	color bool
}

// NewTextReporter creates a text reporter.
// If w is nil, defaults to os.Stdout.
// color enables ANSI codes.
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	if w == nil {
		w = os.Stdout
	}
	return &TextReporter{w: w, color: color}
}

// PrintHeader writes the initial banner.
func (r *TextReporter) PrintHeader(runID, branch, agent string, pending int) {
	fmt.Fprintf(r.w, "storyforge %s — %d pending stories, agent %s", runID, pending, agent)
	if branch != "" {
		fmt.Fprintf(r.w, ", branch %s", branch)
	}
	fmt.Fprint(r.w, "\n\n")
}

// PrintDryRun writes the stories a run would attempt, in order.
func (r *TextReporter) PrintDryRun(stories []backlog.Story, maxAttempts int, verify []string) {
	fmt.Fprint(r.w, "Execution plan (dry-run):\n\n")
	if len(stories) == 0 {
		fmt.Fprintf(r.w, "  %snothing to do, every story passes%s\n", r.c(colorDim), r.c(colorReset))
		return
	}
	for i, s := range stories {
		fmt.Fprintf(r.w, "  %d. [P%d] %s — %s\n", i+1, s.Priority, s.ID, s.Title)
		for _, c := range s.AcceptanceCriteria {
			fmt.Fprintf(r.w, "     %s- %s%s\n", r.c(colorDim), c, r.c(colorReset))
		}
	}
	fmt.Fprintf(r.w, "\n  up to %d attempt(s) per story; acceptance check: %s\n", maxAttempts, strings.Join(verify, " && "))
}

// PrintStatus writes the backlog grouped by state, marking the next eligible story.
func (r *TextReporter) PrintStatus(b *backlog.Backlog, path string) {
	total, passed := b.Counts()
	fmt.Fprintf(r.w, "%s: %d stories, %d passing", path, total, passed)
	if b.BranchName != "" {
		fmt.Fprintf(r.w, ", branch %s", b.BranchName)
	}
	fmt.Fprint(r.w, "\n\n")

	next, _ := backlog.NextEligible(b)
	pending := backlog.Pending(b)
	fmt.Fprintf(r.w, "  %sPENDING  [%d/%d]%s\n", r.c(colorCyan), len(pending), total, r.c(colorReset))
	for _, s := range pending {
		marker := "  "
		if next != nil && s.ID == next.ID {
			marker = "→ "
		}
		fmt.Fprintf(r.w, "  %s[P%d] %-20s %s\n", marker, s.Priority, s.ID, s.Title)
	}
	fmt.Fprintln(r.w)

	fmt.Fprintf(r.w, "  %sPASSING  [%d/%d]%s\n", r.c(colorGreen), passed, total, r.c(colorReset))
	for _, s := range b.Stories {
		if s.Passes {
			fmt.Fprintf(r.w, "    %s%-20s %s%s\n", r.c(colorDim), s.ID, s.Title, r.c(colorReset))
		}
	}
	fmt.Fprintln(r.w)

	if next == nil {
		fmt.Fprintf(r.w, "%sAll stories pass.%s\n", r.c(colorGreen), r.c(colorReset))
	}
}

// PrintSummary writes per-story outcomes and the totals line.
func (r *TextReporter) PrintSummary(report *Report) {
	fmt.Fprintf(r.w, "\n%s--- Summary ---%s\n", r.c(colorCyan), r.c(colorReset))
	for _, s := range report.Stories {
		if s.Outcome == engine.OutcomeSkipped {
			continue
		}
		fmt.Fprintln(r.w, r.storyLine(s))
		if s.LastVerification != "" {
			fmt.Fprintf(r.w, "%s%s%s\n", r.c(colorDim), indent(lastLines(s.LastVerification, 12), "      "), r.c(colorReset))
		}
	}
	if len(report.Stories) > report.Totals.Skipped {
		fmt.Fprintln(r.w)
	}

	t := report.Totals
	fmt.Fprintf(r.w, "Total: %d  ", len(report.Stories))
	fmt.Fprintf(r.w, "%sAccepted: %d%s  ", r.c(colorGreen), t.Accepted, r.c(colorReset))
	fmt.Fprintf(r.w, "%sRejected: %d%s  ", r.c(colorRed), t.Rejected, r.c(colorReset))
	if t.Aborted > 0 {
		fmt.Fprintf(r.w, "%sAborted: %d%s  ", r.c(colorRed), t.Aborted, r.c(colorReset))
	}
	fmt.Fprintf(r.w, "%sSkipped: %d%s  ", r.c(colorYellow), t.Skipped, r.c(colorReset))
	fmt.Fprintf(r.w, "Remaining: %d  ", len(report.Remaining))
	fmt.Fprintf(r.w, "Duration: %s\n", report.Duration.Truncate(time.Second))
	if report.Halted && report.HaltReason != "" {
		fmt.Fprintf(r.w, "%sHalted: %s%s\n", r.c(colorYellow), report.HaltReason, r.c(colorReset))
	}
}

func (r *TextReporter) storyLine(s StoryReport) string {
	dur := s.Duration.Truncate(time.Second)
	switch s.Outcome {
	case engine.OutcomeAccepted:
		rev := shortRev(s.Revision)
		if s.NoChanges {
			rev = "no changes"
		}
		return fmt.Sprintf("  %s✓ %-20s%s %-35s %s  %d attempt(s)  %s",
			r.c(colorGreen), s.ID, r.c(colorReset), s.Title, dur, s.Attempts, rev)
	case engine.OutcomeRejected:
		return fmt.Sprintf("  %s✗ %-20s%s %-35s %s  %s",
			r.c(colorRed), s.ID, r.c(colorReset), s.Title, dur, s.Reason)
	default:
		return fmt.Sprintf("  %s! %-20s%s %-35s %s  aborted: %s",
			r.c(colorRed), s.ID, r.c(colorReset), s.Title, dur, s.Reason)
	}
}

// PrintRuns writes recent runs from the history ledger.
func (r *TextReporter) PrintRuns(runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(r.w, "No runs recorded.")
		return
	}
	for _, run := range runs {
		status := r.c(colorGreen) + "completed" + r.c(colorReset)
		switch {
		case run.EndedAt.IsZero():
			status = r.c(colorYellow) + "in progress" + r.c(colorReset)
		case run.Halted:
			status = r.c(colorRed) + "halted" + r.c(colorReset)
		}
		dur := ""
		if !run.EndedAt.IsZero() {
			dur = run.EndedAt.Sub(run.StartedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(r.w, "  %-28s %s  %-12s accepted %d  rejected %d  aborted %d  %s\n",
			run.ID, run.StartedAt.Format("2006-01-02 15:04"), status,
			run.Accepted, run.Rejected, run.Aborted, dur)
		if run.HaltReason != "" {
			fmt.Fprintf(r.w, "    %s%s%s\n", r.c(colorDim), run.HaltReason, r.c(colorReset))
		}
	}
}

// PrintStoryRows writes the story outcomes of one run.
func (r *TextReporter) PrintStoryRows(rows []history.StoryRow) {
	for _, s := range rows {
		fmt.Fprintln(r.w, r.storyLine(StoryReport{
			ID: s.StoryID, Title: s.Title, Outcome: s.Outcome, Attempts: s.Attempts,
			Revision: s.Revision, NoChanges: s.NoChanges, Reason: s.Reason,
			Duration: s.EndedAt.Sub(s.StartedAt),
		}))
	}
}

func (r *TextReporter) c(code string) string {
	if !r.color {
		return ""
	}
	return code
}

func shortRev(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}

// lastLines keeps the final n lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// ProgressPrinter is an engine observer that prints one line per event,
// used when the full-screen TUI is off.
type ProgressPrinter struct {
	engine.NopObserver
	r *TextReporter
}

// NewProgressPrinter creates a line-oriented progress observer.
func NewProgressPrinter(w io.Writer, color bool) *ProgressPrinter {
	return &ProgressPrinter{r: NewTextReporter(w, color)}
}

func (p *ProgressPrinter) StoryStarted(_ engine.RunContext, s backlog.Story) {
	fmt.Fprintf(p.r.w, "%s▶ %s%s %s\n", p.r.c(colorCyan), s.ID, p.r.c(colorReset), s.Title)
}

func (p *ProgressPrinter) AttemptFinished(rc engine.RunContext, a engine.Attempt) {
	result := "verification failed"
	switch {
	case a.Err != "":
		result = a.Err
	case a.Verification != nil && a.Verification.Passed:
		result = "verification passed"
	}
	if head, cut := proc.Clip(result, 100); cut {
		result = head + "..."
	}
	fmt.Fprintf(p.r.w, "    attempt %d/%d: %s (%s)\n", a.Number, rc.MaxAttempts, result, a.Duration.Truncate(time.Second))
}

func (p *ProgressPrinter) StoryFinished(_ engine.RunContext, res engine.StoryResult) {
	fmt.Fprintln(p.r.w, p.r.storyLine(StoryReport{
		ID: res.StoryID, Title: res.Title, Outcome: res.Outcome, Attempts: res.Attempts,
		Revision: res.Revision, NoChanges: res.NoChanges, Reason: res.Reason, Duration: res.Duration(),
	}))
}
