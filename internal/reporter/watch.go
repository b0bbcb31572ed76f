package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
)

const (
	// watchDebounce coalesces the write+rename pair of an atomic save.
	watchDebounce = 200 * time.Millisecond
	// watchPoll is the fallback interval when fsnotify is unavailable.
	watchPoll = 2 * time.Second
)

// WatchReporter re-renders backlog status whenever the backlog or the run
// checkpoint changes on disk.
type WatchReporter struct {
	w          io.Writer
	color      bool
	store      *backlog.Store
	checkpoint string
	poll       bool
}

// NewWatchReporter creates a watch reporter for a backlog and checkpoint path.
func NewWatchReporter(w io.Writer, color bool, store *backlog.Store, checkpoint string, poll bool) *WatchReporter {
	return &WatchReporter{w: w, color: color, store: store, checkpoint: checkpoint, poll: poll}
}

// Run renders once and then on every relevant change until ctx is done.
func (wr *WatchReporter) Run(ctx context.Context) error {
	wr.Render()
	if wr.poll {
		return wr.runPoll(ctx)
	}
	err := wr.runNotify(ctx)
	if err != nil {
		slog.Warn("fsnotify unavailable, polling", "error", err)
		return wr.runPoll(ctx)
	}
	return nil
}

// Render writes one frame.
func (wr *WatchReporter) Render() {
	var buf bytes.Buffer
	if wr.color {
		buf.WriteString("\033[H\033[2J")
	}
	tr := NewTextReporter(&buf, wr.color)

	b, err := wr.store.Load()
	if err != nil {
		fmt.Fprintf(&buf, "%s%v%s\n", tr.c(colorRed), err, tr.c(colorReset))
	} else {
		tr.PrintStatus(b, wr.store.Path())
	}

	if rc, err := engine.ReadCheckpoint(wr.checkpoint); err == nil {
		fmt.Fprintf(&buf, "%sActive run %s:%s story %s %s, attempt %d/%d\n",
			tr.c(colorCyan), rc.RunID, tr.c(colorReset), rc.StoryID, rc.State, rc.Attempt, rc.MaxAttempts)
	}
	fmt.Fprintf(&buf, "\n%supdated %s — ctrl+c to exit%s\n", tr.c(colorDim), time.Now().Format("15:04:05"), tr.c(colorReset))
	_, _ = wr.w.Write(buf.Bytes())
}

// watched reports whether an event path concerns this reporter.
func (wr *WatchReporter) watched(name string) bool {
	name = filepath.Clean(name)
	return name == filepath.Clean(wr.store.Path()) || name == filepath.Clean(wr.checkpoint)
}

func (wr *WatchReporter) runNotify(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// watch directories: atomic saves replace the file inode
	dirs := map[string]struct{}{
		filepath.Dir(wr.store.Path()): {},
		filepath.Dir(wr.checkpoint):   {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Debug("cannot watch dir", "dir", dir, "error", err)
		}
	}
	if len(watcher.WatchList()) == 0 {
		return fmt.Errorf("no watchable directory for %s", wr.store.Path())
	}

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && filepath.Clean(event.Name) == filepath.Dir(wr.checkpoint) {
				_ = watcher.Add(event.Name)
			}
			if !wr.watched(event.Name) {
				continue
			}
			timer.Reset(watchDebounce)
		case <-timer.C:
			wr.Render()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (wr *WatchReporter) runPoll(ctx context.Context) error {
	last := wr.stamp()
	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s := wr.stamp(); s != last {
				last = s
				wr.Render()
			}
		}
	}
}

// stamp summarizes modification times of the watched files.
func (wr *WatchReporter) stamp() string {
	var s string
	for _, p := range []string{wr.store.Path(), wr.checkpoint} {
		if info, err := os.Stat(p); err == nil {
			s += fmt.Sprintf("%d:%d;", info.ModTime().UnixNano(), info.Size())
		} else {
			s += "-;"
		}
	}
	return s
}
