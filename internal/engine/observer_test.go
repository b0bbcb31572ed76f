package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type snapshotObserver struct {
	NopObserver
	path  string
	seen  []RunContext
	fails int
}

func (s *snapshotObserver) StateChanged(RunContext) {
	rc, err := ReadCheckpoint(s.path)
	if err != nil {
		s.fails++
		return
	}
	s.seen = append(s.seen, *rc)
}

func TestCheckpointWrittenAndRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), CheckpointFile)
	h := newHarness(t, story("A", 1))
	snap := &snapshotObserver{path: path}
	// checkpoint must run before the snapshot reader
	h.cfg.Observers = []Observer{&Checkpoint{Path: path}, snap}

	if _, err := h.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap.fails != 0 || len(snap.seen) == 0 {
		t.Fatalf("checkpoint unreadable during run (fails=%d)", snap.fails)
	}
	last := snap.seen[len(snap.seen)-1]
	if last.StoryID != "A" || last.State != StateDone || last.RunID != "test-run" {
		t.Errorf("last checkpoint = %+v", last)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("checkpoint should be removed after a clean run")
	}
}

func TestCheckpointKeptWhenHalted(t *testing.T) {
	path := filepath.Join(t.TempDir(), CheckpointFile)
	h := newHarness(t, story("A", 1))
	h.cfg.MaxAttempts = 1
	h.verifier.steps = []verifyStep{fail("red")}
	h.cfg.Observers = []Observer{&Checkpoint{Path: path}}

	if _, err := h.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	rc, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if rc.State != StateRejected || rc.PriorFailure != "red" {
		t.Errorf("checkpoint = %+v", rc)
	}
}
