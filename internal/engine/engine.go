package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/storyforge/internal/backlog"
)

// DefaultMaxAttempts is the attempt budget per story when none is configured.
const DefaultMaxAttempts = 3

// Config holds engine parameters and collaborators.
type Config struct {
	Store     Store
	Agent     Agent
	Verifier  Verifier
	Committer Committer
	Learnings LearningsSource // optional

	RepoDir string
	RunDir  string // per-attempt artifacts go under RunDir/<story>/attempt-<n>
	RunID   string // generated when empty

	MaxAttempts   int
	MaxStories    int // 0 = unlimited
	OnReject      OnReject
	OnUnavailable OnUnavailable

	CommitMessage func(s backlog.Story) string
	Observers     []Observer
	Now           func() time.Time
}

// Engine drives stories through propose → verify → commit, one at a time.
type Engine struct {
	cfg Config
	obs observers
}

// New creates an engine, filling defaults for unset policy fields.
func New(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.OnReject == "" {
		cfg.OnReject = RejectHalt
	}
	if cfg.OnUnavailable == "" {
		cfg.OnUnavailable = UnavailableAbort
	}
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	if cfg.CommitMessage == nil {
		cfg.CommitMessage = func(s backlog.Story) string {
			return fmt.Sprintf("feat(%s): %s", s.ID, s.Title)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, obs: observers(cfg.Observers)}
}

// NewRunID returns a sortable run identifier: UTC timestamp plus a short uuid suffix.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// RunID returns the identifier of this engine's run.
func (e *Engine) RunID() string { return e.cfg.RunID }

// Plan returns the stories a run would attempt, in order, without invoking
// any collaborator. maxStories <= 0 means no limit.
func Plan(b *backlog.Backlog, maxStories int) []backlog.Story {
	pending := backlog.Pending(b)
	if maxStories > 0 && len(pending) > maxStories {
		pending = pending[:maxStories]
	}
	return pending
}

// Run performs one pass over the backlog. The returned summary is always
// non-nil. The error is non-nil only when the run aborted; it wraps ErrAborted.
// Rejections are reported in the summary, not as an error.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: e.cfg.RunID, StartedAt: e.cfg.Now()}
	runErr := e.run(ctx, sum)
	sum.EndedAt = e.cfg.Now()
	if runErr != nil {
		sum.Halted = true
		if sum.HaltReason == "" {
			sum.HaltReason = runErr.Error()
		}
	}
	e.obs.runFinished(sum)
	return sum, runErr
}

func (e *Engine) run(ctx context.Context, sum *Summary) error {
	b, err := e.cfg.Store.Load()
	if err != nil {
		return fmt.Errorf("%w: load backlog: %w", ErrAborted, err)
	}
	sum.BranchName = b.BranchName

	now := e.cfg.Now()
	for _, s := range b.Stories {
		if s.Passes {
			sum.Results = append(sum.Results, StoryResult{
				StoryID: s.ID, Title: s.Title, Outcome: OutcomeSkipped,
				StartedAt: now, EndedAt: now,
			})
		}
	}
	defer func() { sum.Remaining = remaining(e.cfg.Store, b) }()

	excluded := make(map[string]struct{})
	attempted := 0
	for {
		if err := ctx.Err(); err != nil {
			sum.HaltReason = "interrupted"
			return fmt.Errorf("%w: interrupted: %w", ErrAborted, err)
		}
		if e.cfg.MaxStories > 0 && attempted >= e.cfg.MaxStories {
			slog.Info("story limit reached", "max_stories", e.cfg.MaxStories)
			return nil
		}

		// reload so manual edits between stories are honored
		if attempted > 0 {
			if b, err = e.cfg.Store.Load(); err != nil {
				return fmt.Errorf("%w: reload backlog: %w", ErrAborted, err)
			}
		}

		story, ok := backlog.NextEligibleExcluding(b, excluded)
		if !ok {
			return nil
		}
		attempted++

		res, err := e.runStory(ctx, b, *story)
		sum.Results = append(sum.Results, res)

		switch res.Outcome {
		case OutcomeAborted:
			sum.HaltReason = fmt.Sprintf("story %s aborted: %s", res.StoryID, res.Reason)
			return err
		case OutcomeRejected:
			excluded[res.StoryID] = struct{}{}
			if e.cfg.OnReject == RejectHalt {
				sum.Halted = true
				sum.HaltReason = fmt.Sprintf("story %s rejected", res.StoryID)
				return nil
			}
		}
	}
}

// runStory drives one story to a terminal state. A non-nil error is returned
// only with OutcomeAborted.
func (e *Engine) runStory(ctx context.Context, b *backlog.Backlog, story backlog.Story) (StoryResult, error) {
	rc := RunContext{
		RunID:       e.cfg.RunID,
		StoryID:     story.ID,
		State:       StatePending,
		MaxAttempts: e.cfg.MaxAttempts,
	}
	res := StoryResult{StoryID: story.ID, Title: story.Title, StartedAt: e.cfg.Now()}
	e.obs.storyStarted(rc, story)

	finish := func(state State, outcome Outcome, reason string, cause error) (StoryResult, error) {
		rc.State = state
		e.obs.stateChanged(rc)
		res.Outcome = outcome
		res.Reason = reason
		res.EndedAt = e.cfg.Now()
		e.obs.storyFinished(rc, res)

		log := slog.With("story", story.ID, "attempts", res.Attempts)
		switch outcome {
		case OutcomeAborted:
			log.Warn("story aborted", "reason", reason)
			return res, fmt.Errorf("%w: story %s: %w", ErrAborted, story.ID, cause)
		case OutcomeRejected:
			log.Warn("story rejected", "reason", reason)
		default:
			log.Info("story accepted", "revision", res.Revision, "no_changes", res.NoChanges)
		}
		return res, nil
	}
	interrupted := func() (StoryResult, error) {
		return finish(StateAborted, OutcomeAborted, "interrupted", ctx.Err())
	}

	// describes the last failed attempt for the rejection reason
	lastFailure := "acceptance check failed"
	for rc.Attempt < e.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return interrupted()
		}
		rc.Attempt++
		res.Attempts = rc.Attempt
		started := e.cfg.Now()
		att := Attempt{Number: rc.Attempt}

		e.transition(&rc, StateProposing)
		change := e.cfg.Agent.Propose(ctx, ChangeRequest{
			Story:              story,
			AcceptanceCriteria: story.AcceptanceCriteria,
			PriorFailure:       rc.PriorFailure,
			Learnings:          e.learnings(),
			Attempt:            rc.Attempt,
			MaxAttempts:        e.cfg.MaxAttempts,
			RepoDir:            e.cfg.RepoDir,
			OutputDir:          e.attemptDir(story.ID, rc.Attempt),
		})
		att.Change = change
		if change.Transcript != "" {
			res.Transcript = change.Transcript
		}
		if ctx.Err() != nil {
			return interrupted()
		}
		if change.Outcome == ChangeFailed {
			rc.PriorFailure = "agent failed: " + change.Reason
			att.Err = rc.PriorFailure
			lastFailure = rc.PriorFailure
			att.Duration = e.cfg.Now().Sub(started)
			e.obs.attemptFinished(rc, att)
			slog.Debug("agent failed", "story", story.ID, "attempt", rc.Attempt, "reason", change.Reason)
			continue
		}

		e.transition(&rc, StateVerifying)
		v, err := e.cfg.Verifier.Verify(ctx, e.cfg.RepoDir)
		if ctx.Err() != nil {
			return interrupted()
		}
		if err != nil {
			att.Err = err.Error()
			att.Duration = e.cfg.Now().Sub(started)
			res.LastVerification = err.Error()
			if errors.Is(err, ErrUnavailable) && e.cfg.OnUnavailable == UnavailableRetry {
				rc.PriorFailure = err.Error()
				lastFailure = "acceptance check unavailable"
				e.obs.attemptFinished(rc, att)
				continue
			}
			// environment faults are not charged against the story
			res.Attempts = rc.Attempt - 1
			e.obs.attemptFinished(rc, att)
			return finish(StateAborted, OutcomeAborted, "verification unavailable: "+err.Error(), err)
		}
		att.Verification = &v
		att.Duration = e.cfg.Now().Sub(started)
		res.LastVerification = v.Output
		e.obs.attemptFinished(rc, att)
		if !v.Passed {
			rc.PriorFailure = v.Output
			lastFailure = "acceptance check failed"
			slog.Debug("verification failed", "story", story.ID, "attempt", rc.Attempt)
			continue
		}

		if ctx.Err() != nil {
			return interrupted()
		}
		e.transition(&rc, StateCommitting)
		commit, err := e.cfg.Committer.Commit(ctx, e.cfg.CommitMessage(story))
		if err != nil {
			return finish(StateAborted, OutcomeAborted, "commit failed: "+err.Error(), err)
		}
		res.Revision = commit.Revision
		res.NoChanges = commit.NoChanges

		if !b.MarkPassed(story.ID) {
			err := fmt.Errorf("story %s vanished from backlog", story.ID)
			return finish(StateAborted, OutcomeAborted, err.Error(), err)
		}
		if err := e.cfg.Store.Save(b); err != nil {
			// the commit exists but the flag is not persisted
			b.Story(story.ID).Passes = false
			return finish(StateAborted, OutcomeAborted, "save backlog after commit: "+err.Error(), err)
		}
		return finish(StateDone, OutcomeAccepted, "", nil)
	}

	return finish(StateRejected, OutcomeRejected,
		fmt.Sprintf("%s after %d attempt(s)", lastFailure, rc.Attempt), nil)
}

func (e *Engine) transition(rc *RunContext, to State) {
	slog.Debug("transition", "story", rc.StoryID, "attempt", rc.Attempt, "from", rc.State, "to", to)
	rc.State = to
	e.obs.stateChanged(*rc)
}

func (e *Engine) learnings() string {
	if e.cfg.Learnings == nil {
		return ""
	}
	return e.cfg.Learnings.Learnings()
}

func (e *Engine) attemptDir(storyID string, attempt int) string {
	if e.cfg.RunDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.RunDir, storyID, fmt.Sprintf("attempt-%d", attempt))
}

// remaining lists the ids still passes=false, preferring the persisted state.
func remaining(store Store, fallback *backlog.Backlog) []string {
	b, err := store.Load()
	if err != nil {
		b = fallback
	}
	if b == nil {
		return nil
	}
	var ids []string
	for _, s := range backlog.Pending(b) {
		ids = append(ids, s.ID)
	}
	return ids
}
