package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/lock"
	"github.com/ppiankov/storyforge/internal/reporter"
)

func newStatusCmd() *cobra.Command {
	var showReport bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backlog progress and the next eligible story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(os.Stdout, showReport)
		},
	}

	cmd.Flags().BoolVar(&showReport, "report", false, "also print the summary of the latest completed run")

	return cmd
}

func showStatus(w io.Writer, showReport bool) error {
	store := backlog.NewStore(prdPath())
	b, err := store.Load()
	if err != nil {
		return err
	}

	textRep := reporter.NewTextReporter(w, isTerminal())
	textRep.PrintStatus(b, store.Path())

	if info, err := lock.Read(repoDir); err == nil {
		fmt.Fprintf(w, "\nLocked by PID %d (run %s, since %s)\n",
			info.PID, info.RunID, info.StartedAt.Format(time.RFC3339))
		if cp, err := engine.ReadCheckpoint(inDir(engine.CheckpointFile)); err == nil {
			fmt.Fprintf(w, "  story %s %s, attempt %d/%d\n", cp.StoryID, cp.State, cp.Attempt, cp.MaxAttempts)
		}
	}

	if !showReport {
		return nil
	}
	runDir, err := findLatestRunDir(repoDir)
	if err != nil {
		return err
	}
	report, err := reporter.ReadJSONReport(filepath.Join(runDir, reporter.ReportFile))
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	textRep.PrintSummary(report)
	return nil
}

// findLatestRunDir returns the most recently modified run directory under
// <dir>/.storyforge that holds a report.
func findLatestRunDir(dir string) (string, error) {
	base := filepath.Join(dir, stateDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("cannot read %s directory: %w", stateDir, err)
	}

	var (
		latest   string
		latestAt time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(base, e.Name(), reporter.ReportFile))
		if err != nil {
			continue
		}
		if latest == "" || fi.ModTime().After(latestAt) {
			latest = filepath.Join(base, e.Name())
			latestAt = fi.ModTime()
		}
	}
	if latest == "" {
		return "", errors.New("no completed runs found in " + base)
	}
	return latest, nil
}
