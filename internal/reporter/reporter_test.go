package reporter

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/history"
)

func testBacklog() *backlog.Backlog {
	return &backlog.Backlog{
		BranchName: "feature/x",
		Stories: []backlog.Story{
			{ID: "S-1", Title: "Setup", Priority: 1, Passes: true},
			{ID: "S-2", Title: "Parser", Priority: 2, AcceptanceCriteria: []string{"parses input"}},
			{ID: "S-3", Title: "Output", Priority: 3},
		},
	}
}

func testSummary() *engine.Summary {
	start := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	return &engine.Summary{
		RunID:      "run-1",
		BranchName: "feature/x",
		StartedAt:  start,
		EndedAt:    start.Add(5 * time.Minute),
		Results: []engine.StoryResult{
			{StoryID: "S-1", Title: "Setup", Outcome: engine.OutcomeSkipped},
			{StoryID: "S-2", Title: "Parser", Outcome: engine.OutcomeAccepted, Attempts: 2,
				Revision: "0123456789abcdef", LastVerification: "ok", StartedAt: start, EndedAt: start.Add(time.Minute)},
			{StoryID: "S-3", Title: "Output", Outcome: engine.OutcomeRejected, Attempts: 3,
				Reason: "acceptance check failed after 3 attempt(s)", LastVerification: "FAIL: TestOutput",
				StartedAt: start.Add(time.Minute), EndedAt: start.Add(5 * time.Minute)},
		},
		Remaining:  []string{"S-3"},
		Halted:     true,
		HaltReason: "story S-3 rejected",
	}
}

func TestNewReport(t *testing.T) {
	r := NewReport(testSummary(), "claude")

	if r.Totals != (Totals{Accepted: 1, Rejected: 1, Skipped: 1}) {
		t.Errorf("totals = %+v", r.Totals)
	}
	if r.Duration != 5*time.Minute {
		t.Errorf("duration = %v", r.Duration)
	}
	if len(r.Stories) != 3 {
		t.Fatalf("stories = %d", len(r.Stories))
	}
	if r.Stories[1].LastVerification != "" {
		t.Error("accepted story should not carry verification output")
	}
	if r.Stories[2].LastVerification != "FAIL: TestOutput" {
		t.Errorf("rejected story verification = %q", r.Stories[2].LastVerification)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-1", ReportFile)
	if err := WriteJSONReport(NewReport(testSummary(), "codex"), path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := ReadJSONReport(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunID != "run-1" || loaded.Agent != "codex" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Totals.Accepted != 1 || loaded.Stories[2].Outcome != engine.OutcomeRejected {
		t.Errorf("round trip lost data: %+v", loaded)
	}
}

func TestTextReporter_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	NewTextReporter(&buf, false).PrintSummary(NewReport(testSummary(), "claude"))

	out := buf.String()
	for _, want := range []string{
		"Accepted: 1", "Rejected: 1", "Skipped: 1", "Remaining: 1",
		"S-2", "0123456789", "2 attempt(s)",
		"S-3", "FAIL: TestOutput",
		"Halted: story S-3 rejected",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "  ✓ S-1") {
		t.Error("skipped stories should not get an outcome line")
	}
}

func TestTextReporter_PrintStatus(t *testing.T) {
	var buf bytes.Buffer
	NewTextReporter(&buf, false).PrintStatus(testBacklog(), "prd.json")

	out := buf.String()
	if !strings.Contains(out, "3 stories, 1 passing") {
		t.Errorf("missing counts:\n%s", out)
	}
	if !strings.Contains(out, "→ [P2] S-2") {
		t.Errorf("next eligible not marked:\n%s", out)
	}
	if strings.Contains(out, "All stories pass") {
		t.Error("pending backlog reported as complete")
	}
}

func TestTextReporter_PrintDryRun(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextReporter(&buf, false)
	r.PrintDryRun(backlog.Pending(testBacklog()), 3, []string{"make test"})

	out := buf.String()
	if !strings.Contains(out, "1. [P2] S-2") || !strings.Contains(out, "2. [P3] S-3") {
		t.Errorf("unexpected plan:\n%s", out)
	}
	if !strings.Contains(out, "- parses input") || !strings.Contains(out, "make test") {
		t.Errorf("criteria or check missing:\n%s", out)
	}

	buf.Reset()
	r.PrintDryRun(nil, 3, nil)
	if !strings.Contains(buf.String(), "nothing to do") {
		t.Errorf("empty plan: %s", buf.String())
	}
}

func TestTextReporter_NoColor(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextReporter(&buf, false)
	r.PrintHeader("run-1", "feature/x", "claude", 5)
	r.PrintSummary(NewReport(testSummary(), "claude"))

	if strings.Contains(buf.String(), "\033[") {
		t.Error("expected no ANSI codes when color is false")
	}
}

func TestTextReporter_PrintRuns(t *testing.T) {
	start := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	NewTextReporter(&buf, false).PrintRuns([]history.Run{
		{ID: "r2", StartedAt: start},
		{ID: "r1", StartedAt: start, EndedAt: start.Add(time.Minute), Accepted: 2, Halted: true, HaltReason: "story X rejected"},
	})
	out := buf.String()
	if !strings.Contains(out, "in progress") || !strings.Contains(out, "halted") || !strings.Contains(out, "story X rejected") {
		t.Errorf("unexpected runs output:\n%s", out)
	}

	buf.Reset()
	NewTextReporter(&buf, false).PrintRuns(nil)
	if !strings.Contains(buf.String(), "No runs") {
		t.Error("expected empty notice")
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, false)
	rc := engine.RunContext{StoryID: "S-2", MaxAttempts: 3}
	p.StoryStarted(rc, backlog.Story{ID: "S-2", Title: "Parser"})
	p.AttemptFinished(rc, engine.Attempt{Number: 1, Verification: &engine.Verification{Passed: false}})
	p.AttemptFinished(rc, engine.Attempt{Number: 2, Verification: &engine.Verification{Passed: true}})
	p.StoryFinished(rc, engine.StoryResult{StoryID: "S-2", Title: "Parser", Outcome: engine.OutcomeAccepted, Attempts: 2, NoChanges: true})

	out := buf.String()
	for _, want := range []string{"▶ S-2 Parser", "attempt 1/3: verification failed", "attempt 2/3: verification passed", "no changes"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

func TestBoardTracksEvents(t *testing.T) {
	b := NewBoard("run-1", backlog.Pending(testBacklog()))
	rc := engine.RunContext{StoryID: "S-2", MaxAttempts: 3, Attempt: 1, State: engine.StateVerifying}
	b.StoryStarted(rc, backlog.Story{ID: "S-2", Title: "Parser"})
	b.StateChanged(rc)

	views, done := b.Snapshot()
	if done || len(views) != 2 {
		t.Fatalf("views = %+v done=%v", views, done)
	}
	if views[0].State != engine.StateVerifying || views[0].Attempt != 1 {
		t.Errorf("S-2 view = %+v", views[0])
	}
	if views[1].State != engine.StatePending {
		t.Errorf("S-3 should be queued: %+v", views[1])
	}

	b.StoryFinished(rc, engine.StoryResult{StoryID: "S-2", Outcome: engine.OutcomeAccepted, Revision: "0123456789abcdef"})
	b.RunFinished(&engine.Summary{})
	views, done = b.Snapshot()
	if !done || views[0].Outcome != engine.OutcomeAccepted || views[0].Note != "0123456789" {
		t.Errorf("after finish: %+v done=%v", views[0], done)
	}
}

func TestTUIModelQuitCancelsRun(t *testing.T) {
	cancelled := false
	m := NewTUIModel(NewBoard("run-1", nil), func() { cancelled = true })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !cancelled {
		t.Error("q should cancel the run")
	}
	if cmd == nil || !next.(TUIModel).done {
		t.Error("q should quit the program")
	}
}

func TestTUIModelView(t *testing.T) {
	board := NewBoard("run-1", backlog.Pending(testBacklog()))
	board.StateChanged(engine.RunContext{StoryID: "S-2", State: engine.StateProposing, Attempt: 1, MaxAttempts: 3})

	var m tea.Model = NewTUIModel(board, nil)
	m, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 20})
	m, _ = m.Update(tickMsg(time.Now()))

	view := m.View()
	for _, want := range []string{"storyforge run-1", "S-2", "attempt 1/3", "queued", "1 running"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m, cmd := m.Update(RunDoneMsg{})
	if cmd == nil || !m.(TUIModel).done {
		t.Error("RunDoneMsg should quit")
	}
}

func TestWatchReporterRender(t *testing.T) {
	dir := t.TempDir()
	store := backlog.NewStore(filepath.Join(dir, backlog.DefaultFile))
	if err := store.Save(testBacklog()); err != nil {
		t.Fatal(err)
	}
	checkpoint := filepath.Join(dir, engine.CheckpointFile)
	cp := &engine.Checkpoint{Path: checkpoint}
	cp.StateChanged(engine.RunContext{RunID: "run-7", StoryID: "S-2", State: engine.StateVerifying, Attempt: 2, MaxAttempts: 3})

	var buf bytes.Buffer
	NewWatchReporter(&buf, false, store, checkpoint, true).Render()
	out := buf.String()
	if !strings.Contains(out, "3 stories, 1 passing") {
		t.Errorf("status missing:\n%s", out)
	}
	if !strings.Contains(out, "Active run run-7: story S-2 VERIFYING, attempt 2/3") {
		t.Errorf("checkpoint missing:\n%s", out)
	}
}

func TestWatchReporterStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	store := backlog.NewStore(filepath.Join(dir, backlog.DefaultFile))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	for _, poll := range []bool{true, false} {
		if err := NewWatchReporter(&buf, false, store, filepath.Join(dir, engine.CheckpointFile), poll).Run(ctx); err != nil {
			t.Errorf("poll=%v: %v", poll, err)
		}
	}
	if !strings.Contains(buf.String(), "prd.json") {
		t.Errorf("missing load error for absent backlog:\n%s", buf.String())
	}
}
