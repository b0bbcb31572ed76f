package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/reporter"
)

func newWatchCmd() *cobra.Command {
	var poll bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render backlog status whenever it changes",
		Long:  "Watch follows the backlog file and the active run checkpoint, redrawing the status view on every change.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			store := backlog.NewStore(prdPath())
			w := reporter.NewWatchReporter(os.Stdout, isTerminal(), store, inDir(engine.CheckpointFile), poll)
			return w.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&poll, "poll", false, "poll every 2s instead of using file notifications")

	return cmd
}
