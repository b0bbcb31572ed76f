package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/storyforge/internal/engine"
)

// ReportFile is the report name inside a run directory.
const ReportFile = "report.json"

// Totals counts results by outcome.
type Totals struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Aborted  int `json:"aborted"`
	Skipped  int `json:"skipped"`
}

// StoryReport is one story's entry in the run report.
type StoryReport struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Outcome          engine.Outcome `json:"outcome"`
	Attempts         int            `json:"attempts"`
	Revision         string         `json:"revision,omitempty"`
	NoChanges        bool           `json:"no_changes,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Duration         time.Duration  `json:"duration_ns"`
	LastVerification string         `json:"last_verification,omitempty"` // kept for rejected and aborted stories only
}

// Report is the persisted outcome of a run.
type Report struct {
	RunID      string        `json:"run_id"`
	BranchName string        `json:"branch_name,omitempty"`
	Agent      string        `json:"agent,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration_ns"`
	Totals     Totals        `json:"totals"`
	Stories    []StoryReport `json:"stories"`
	Remaining  []string      `json:"remaining,omitempty"`
	Halted     bool          `json:"halted"`
	HaltReason string        `json:"halt_reason,omitempty"`
}

// NewReport builds a report from an engine summary.
func NewReport(sum *engine.Summary, agent string) *Report {
	r := &Report{
		RunID:      sum.RunID,
		BranchName: sum.BranchName,
		Agent:      agent,
		StartedAt:  sum.StartedAt,
		EndedAt:    sum.EndedAt,
		Duration:   sum.EndedAt.Sub(sum.StartedAt),
		Remaining:  sum.Remaining,
		Halted:     sum.Halted,
		HaltReason: sum.HaltReason,
		Totals: Totals{
			Accepted: sum.Count(engine.OutcomeAccepted),
			Rejected: sum.Count(engine.OutcomeRejected),
			Aborted:  sum.Count(engine.OutcomeAborted),
			Skipped:  sum.Count(engine.OutcomeSkipped),
		},
		Stories: make([]StoryReport, 0, len(sum.Results)),
	}
	for _, res := range sum.Results {
		sr := StoryReport{
			ID:        res.StoryID,
			Title:     res.Title,
			Outcome:   res.Outcome,
			Attempts:  res.Attempts,
			Revision:  res.Revision,
			NoChanges: res.NoChanges,
			Reason:    res.Reason,
			Duration:  res.Duration(),
		}
		if res.Outcome == engine.OutcomeRejected || res.Outcome == engine.OutcomeAborted {
			sr.LastVerification = res.LastVerification
		}
		r.Stories = append(r.Stories, sr)
	}
	return r
}

// WriteJSONReport writes the run report as JSON to the given path.
func WriteJSONReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadJSONReport loads a report written by WriteJSONReport.
func ReadJSONReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
