package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/storyforge/internal/backlog"
)

// State is the position of the current story in the execution state machine.
type State int

const (
	StatePending State = iota
	StateProposing
	StateVerifying
	StateCommitting
	StateDone
	StateRejected
	StateAborted
)

var stateNames = [...]string{"PENDING", "PROPOSING", "VERIFYING", "COMMITTING", "DONE", "REJECTED", "ABORTED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateAborted
}

// MarshalText renders the state by name so checkpoints stay readable.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Outcome is the final result of one story within a run.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAborted  Outcome = "aborted"
)

// OnReject selects what the run does after a story is rejected.
type OnReject string

const (
	RejectHalt     OnReject = "halt"
	RejectContinue OnReject = "continue"
)

// OnUnavailable selects how a verification environment fault is treated.
type OnUnavailable string

const (
	UnavailableAbort OnUnavailable = "abort"
	UnavailableRetry OnUnavailable = "retry"
)

var (
	// ErrUnavailable marks a verification that could not run at all.
	// Verifiers wrap it; the engine matches it with errors.Is.
	ErrUnavailable = errors.New("verification unavailable")

	// ErrAborted is returned by Run when the run stopped on an environment fault.
	ErrAborted = errors.New("run aborted")
)

// ChangeOutcome classifies what the agent did to the working tree.
type ChangeOutcome string

const (
	ChangeApplied ChangeOutcome = "applied"
	ChangeNoOp    ChangeOutcome = "noop"
	ChangeFailed  ChangeOutcome = "failed"
)

// ChangeRequest is everything the agent is told about one attempt.
type ChangeRequest struct {
	Story              backlog.Story
	AcceptanceCriteria []string
	PriorFailure       string // verification output or failure reason of the previous attempt
	Learnings          string
	Attempt            int
	MaxAttempts        int
	RepoDir            string
	OutputDir          string
}

// ChangeResult is the agent's report for one attempt.
type ChangeResult struct {
	Outcome    ChangeOutcome
	Reason     string
	Transcript string
}

// Verification is the result of running the check command.
type Verification struct {
	Passed   bool
	Output   string
	Duration time.Duration
}

// CommitResult is the outcome of a successful commit call.
// NoChanges is set when there was nothing to commit; Revision is then empty.
type CommitResult struct {
	Revision  string
	NoChanges bool
}

// Agent proposes a change for one story. It mutates the working tree and
// never commits. It is called once per attempt and does not retry.
type Agent interface {
	Propose(ctx context.Context, req ChangeRequest) ChangeResult
}

// Verifier runs the acceptance check against the working tree.
// A failing check is Passed=false with a nil error; an error wrapping
// ErrUnavailable means the check could not run.
type Verifier interface {
	Verify(ctx context.Context, repoDir string) (Verification, error)
}

// Committer records the working tree as a commit.
type Committer interface {
	Commit(ctx context.Context, message string) (CommitResult, error)
}

// Store loads and persists the backlog.
type Store interface {
	Load() (*backlog.Backlog, error)
	Save(b *backlog.Backlog) error
}

// LearningsSource supplies free-form notes from earlier runs for the prompt.
type LearningsSource interface {
	Learnings() string
}

// RunContext is the serializable state carried through each transition.
type RunContext struct {
	RunID        string `json:"run_id"`
	StoryID      string `json:"story_id"`
	State        State  `json:"state"`
	Attempt      int    `json:"attempt"`
	MaxAttempts  int    `json:"max_attempts"`
	PriorFailure string `json:"prior_failure,omitempty"`
}

// Attempt describes one Proposing→Verifying cycle.
type Attempt struct {
	Number       int
	Change       ChangeResult
	Verification *Verification // nil when verification did not run
	Err          string        // agent failure or verification fault
	Duration     time.Duration
}

// StoryResult is the final record for one story.
type StoryResult struct {
	StoryID          string    `json:"story_id"`
	Title            string    `json:"title"`
	Outcome          Outcome   `json:"outcome"`
	Attempts         int       `json:"attempts"`
	Revision         string    `json:"revision,omitempty"`
	NoChanges        bool      `json:"no_changes,omitempty"`
	LastVerification string    `json:"last_verification,omitempty"`
	Transcript       string    `json:"transcript,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
}

// Duration returns the wall time spent on the story.
func (r StoryResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary is the report of one run.
type Summary struct {
	RunID      string        `json:"run_id"`
	BranchName string        `json:"branch_name"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Results    []StoryResult `json:"results"`
	Remaining  []string      `json:"remaining,omitempty"` // stories still passes=false
	Halted     bool          `json:"halted"`
	HaltReason string        `json:"halt_reason,omitempty"`
}

// Count returns how many results have the given outcome.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Result returns the result for a story, or nil if it was not reached.
func (s *Summary) Result(id string) *StoryResult {
	for i := range s.Results {
		if s.Results[i].StoryID == id {
			return &s.Results[i]
		}
	}
	return nil
}
