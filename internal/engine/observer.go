package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ppiankov/storyforge/internal/backlog"
)

// Observer receives engine events. Observers are called synchronously from
// the run loop and must not block for long. They cannot influence decisions:
// implementations log their own failures.
type Observer interface {
	StoryStarted(rc RunContext, s backlog.Story)
	StateChanged(rc RunContext)
	AttemptFinished(rc RunContext, a Attempt)
	StoryFinished(rc RunContext, r StoryResult)
	RunFinished(s *Summary)
}

// NopObserver implements Observer with no-ops. Embed it to handle a subset of events.
type NopObserver struct{}

func (NopObserver) StoryStarted(RunContext, backlog.Story) {}
func (NopObserver) StateChanged(RunContext)                {}
func (NopObserver) AttemptFinished(RunContext, Attempt)    {}
func (NopObserver) StoryFinished(RunContext, StoryResult)  {}
func (NopObserver) RunFinished(*Summary)                   {}

type observers []Observer

func (obs observers) storyStarted(rc RunContext, s backlog.Story) {
	for _, o := range obs {
		o.StoryStarted(rc, s)
	}
}

func (obs observers) stateChanged(rc RunContext) {
	for _, o := range obs {
		o.StateChanged(rc)
	}
}

func (obs observers) attemptFinished(rc RunContext, a Attempt) {
	for _, o := range obs {
		o.AttemptFinished(rc, a)
	}
}

func (obs observers) storyFinished(rc RunContext, r StoryResult) {
	for _, o := range obs {
		o.StoryFinished(rc, r)
	}
}

func (obs observers) runFinished(s *Summary) {
	for _, o := range obs {
		o.RunFinished(s)
	}
}

// Checkpoint writes the current RunContext to a JSON file at every
// transition and removes it when the run finishes without halting.
type Checkpoint struct {
	NopObserver
	Path string
}

// CheckpointFile is the checkpoint path relative to the repo directory.
const CheckpointFile = ".storyforge/run.json"

func (c *Checkpoint) StoryStarted(rc RunContext, _ backlog.Story) { c.write(rc) }
func (c *Checkpoint) StateChanged(rc RunContext)                  { c.write(rc) }

func (c *Checkpoint) RunFinished(s *Summary) {
	if s.Halted {
		return
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove checkpoint", "path", c.Path, "error", err)
	}
}

func (c *Checkpoint) write(rc RunContext) {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal checkpoint", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		slog.Warn("failed to create checkpoint dir", "error", err)
		return
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		slog.Warn("failed to write checkpoint", "error", err)
		return
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		slog.Warn("failed to rename checkpoint", "error", err)
	}
}

// ReadCheckpoint loads a checkpoint left behind by an interrupted run.
func ReadCheckpoint(path string) (*RunContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rc RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &rc, nil
}
