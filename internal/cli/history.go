package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/history"
	"github.com/ppiankov/storyforge/internal/reporter"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
		story string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs and per-story outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := s.HistoryDB
			if path == "" {
				path = history.DefaultFile
			}
			path = inDir(path)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no history at %s: %w", filepath.Clean(path), err)
			}

			h, err := history.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			ctx := context.Background()
			textRep := reporter.NewTextReporter(os.Stdout, isTerminal())
			switch {
			case story != "":
				rows, err := h.StoryHistory(ctx, story)
				if err != nil {
					return err
				}
				textRep.PrintStoryRows(rows)
			case runID != "":
				rows, err := h.StoryResults(ctx, runID)
				if err != nil {
					return err
				}
				textRep.PrintStoryRows(rows)
			default:
				runs, err := h.RecentRuns(ctx, limit)
				if err != nil {
					return err
				}
				textRep.PrintRuns(runs)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show story outcomes of one run")
	cmd.Flags().StringVar(&story, "story", "", "show one story's outcomes across runs")

	return cmd
}
