// Package lock guards a working tree against concurrent runs with a PID file.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created in the repository directory.
const FileName = ".storyforge.lock"

// ErrLocked is returned when a live process holds the lock.
var ErrLocked = errors.New("working tree is locked")

// Info describes the lock owner.
type Info struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock. Release it when the run ends.
type Lock struct {
	path string
	Info Info
}

// Path returns the lock file path for dir.
func Path(dir string) string { return filepath.Join(dir, FileName) }

// Acquire creates the lock in dir. A lock left by a dead process is reclaimed.
func Acquire(dir, runID string) (*Lock, error) {
	l := &Lock{
		path: Path(dir),
		Info: Info{PID: os.Getpid(), RunID: runID, StartedAt: time.Now()},
	}

	err := create(l.path, &l.Info)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock %s: %w", l.path, err)
	}

	held, readErr := Read(dir)
	if readErr != nil {
		return nil, fmt.Errorf("%w: %s (unreadable lock: %v)", ErrLocked, dir, readErr)
	}
	if alive(held.PID) {
		return nil, fmt.Errorf("%w: held by PID %d since %s (run %s)",
			ErrLocked, held.PID, held.StartedAt.Format(time.RFC3339), held.RunID)
	}

	slog.Warn("reclaiming stale lock", "dir", dir, "stale_pid", held.PID, "run", held.RunID)
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}
	if err := create(l.path, &l.Info); err != nil {
		return nil, fmt.Errorf("acquire after stale removal: %w", err)
	}
	return l, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to release lock", "path", l.path, "error", err)
	}
}

// Read returns the current lock owner in dir.
func Read(dir string) (*Info, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &info, nil
}

// Remove deletes the lock in dir regardless of owner and returns what it
// held. An unparseable lock is removed and reported as an empty Info.
func Remove(dir string) (*Info, error) {
	info, err := Read(dir)
	if os.IsNotExist(err) {
		return nil, err
	}
	if err != nil {
		info = &Info{}
	}
	if err := os.Remove(Path(dir)); err != nil {
		return nil, fmt.Errorf("remove lock: %w", err)
	}
	return info, nil
}

// create writes the lock with O_EXCL so only one creator wins.
func create(path string, info *Info) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}
