// Package history keeps a SQLite ledger of runs, story outcomes and attempts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/storyforge/internal/engine"
)

// DefaultFile is the database path relative to the repo directory.
const DefaultFile = ".storyforge/history.db"

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID         string
	BranchName string
	StartedAt  time.Time
	EndedAt    time.Time // zero while the run is in progress
	Accepted   int
	Rejected   int
	Aborted    int
	Skipped    int
	Halted     bool
	HaltReason string
}

// StoryRow is one row of the story_results table.
type StoryRow struct {
	RunID     string
	StoryID   string
	Title     string
	Outcome   engine.Outcome
	Attempts  int
	Revision  string
	NoChanges bool
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

// AttemptRow is one row of the attempts table.
type AttemptRow struct {
	RunID    string
	StoryID  string
	Number   int
	Change   engine.ChangeOutcome
	Passed   bool
	Err      string
	Duration time.Duration
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL DEFAULT '',
		started_at  INTEGER NOT NULL,
		ended_at    INTEGER NOT NULL DEFAULT 0,
		accepted    INTEGER NOT NULL DEFAULT 0,
		rejected    INTEGER NOT NULL DEFAULT 0,
		aborted     INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0,
		halted      INTEGER NOT NULL DEFAULT 0,
		halt_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS story_results (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		story_id   TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		revision   TEXT NOT NULL DEFAULT '',
		no_changes INTEGER NOT NULL DEFAULT 0,
		reason     TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at   INTEGER NOT NULL,
		PRIMARY KEY (run_id, story_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		story_id    TEXT NOT NULL,
		number      INTEGER NOT NULL,
		change      TEXT NOT NULL DEFAULT '',
		passed      INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, story_id, number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_story_results_story ON story_results(story_id)`,
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range schema {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// BeginRun inserts the run row.
func (s *Store) BeginRun(ctx context.Context, runID, branch string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, branch_name, started_at) VALUES (?, ?, ?)`,
		runID, branch, startedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// RecordAttempt stores one attempt of a story.
func (s *Store) RecordAttempt(ctx context.Context, runID, storyID string, a engine.Attempt) error {
	passed := a.Verification != nil && a.Verification.Passed
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts (run_id, story_id, number, change, passed, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, storyID, a.Number, string(a.Change.Outcome), passed, a.Err, a.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record attempt %s/%d: %w", storyID, a.Number, err)
	}
	return nil
}

// RecordStory stores the final outcome of a story.
func (s *Store) RecordStory(ctx context.Context, runID string, r engine.StoryResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO story_results
		 (run_id, story_id, title, outcome, attempts, revision, no_changes, reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.StoryID, r.Title, string(r.Outcome), r.Attempts, r.Revision, r.NoChanges, r.Reason,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record story %s: %w", r.StoryID, err)
	}
	return nil
}

// FinishRun updates the run row with totals from the summary.
func (s *Store) FinishRun(ctx context.Context, sum *engine.Summary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, accepted = ?, rejected = ?, aborted = ?, skipped = ?,
		 halted = ?, halt_reason = ? WHERE id = ?`,
		sum.EndedAt.UnixMilli(),
		sum.Count(engine.OutcomeAccepted), sum.Count(engine.OutcomeRejected),
		sum.Count(engine.OutcomeAborted), sum.Count(engine.OutcomeSkipped),
		sum.Halted, sum.HaltReason, sum.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", sum.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", sum.RunID, ErrRunNotFound)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_name, started_at, ended_at, accepted, rejected, aborted, skipped, halted, halt_reason
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.BranchName, &started, &ended,
			&r.Accepted, &r.Rejected, &r.Aborted, &r.Skipped, &r.Halted, &r.HaltReason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.EndedAt = fromMillis(ended)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StoryResults returns the story outcomes of a run in completion order.
func (s *Store) StoryResults(ctx context.Context, runID string) ([]StoryRow, error) {
	return s.queryStories(ctx, `WHERE run_id = ? ORDER BY ended_at, story_id`, runID)
}

// StoryHistory returns every recorded outcome of a story, newest first.
func (s *Store) StoryHistory(ctx context.Context, storyID string) ([]StoryRow, error) {
	return s.queryStories(ctx, `WHERE story_id = ? ORDER BY ended_at DESC`, strings.TrimSpace(storyID))
}

func (s *Store) queryStories(ctx context.Context, where string, args ...any) ([]StoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, story_id, title, outcome, attempts, revision, no_changes, reason, started_at, ended_at
		 FROM story_results `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query story results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoryRow
	for rows.Next() {
		var r StoryRow
		var outcome string
		var started, ended int64
		if err := rows.Scan(&r.RunID, &r.StoryID, &r.Title, &outcome, &r.Attempts,
			&r.Revision, &r.NoChanges, &r.Reason, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan story result: %w", err)
		}
		r.Outcome = engine.Outcome(outcome)
		r.StartedAt = fromMillis(started)
		r.EndedAt = fromMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Attempts returns the attempts of one story in a run.
func (s *Store) Attempts(ctx context.Context, runID, storyID string) ([]AttemptRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, story_id, number, change, passed, error, duration_ms
		 FROM attempts WHERE run_id = ? AND story_id = ? ORDER BY number`, runID, storyID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		var change string
		var ms int64
		if err := rows.Scan(&a.RunID, &a.StoryID, &a.Number, &change, &a.Passed, &a.Err, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Change = engine.ChangeOutcome(change)
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Recorder is an engine observer that writes every event to the store.
// Call BeginRun before the engine starts.
type Recorder struct {
	engine.NopObserver
	Store *Store
	RunID string
}

func (r *Recorder) AttemptFinished(rc engine.RunContext, a engine.Attempt) {
	if err := r.Store.RecordAttempt(context.Background(), r.RunID, rc.StoryID, a); err != nil {
		slog.Warn("history write failed", "error", err)
	}
}

func (r *Recorder) StoryFinished(_ engine.RunContext, res engine.StoryResult) {
	if err := r.Store.RecordStory(context.Background(), r.RunID, res); err != nil {
		slog.Warn("history write failed", "error", err)
	}
}

func (r *Recorder) RunFinished(s *engine.Summary) {
	ctx := context.Background()
	// skipped stories never reach StoryFinished
	for _, res := range s.Results {
		if res.Outcome == engine.OutcomeSkipped {
			if err := r.Store.RecordStory(ctx, r.RunID, res); err != nil {
				slog.Warn("history write failed", "error", err)
			}
		}
	}
	if err := r.Store.FinishRun(ctx, s); err != nil {
		slog.Warn("history write failed", "error", err)
	}
}
