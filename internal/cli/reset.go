package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/lock"
)

func newResetCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [story-id...]",
		Short: "Mark stories as not passing so the next run attempts them again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give story ids or --all, not both")
			}
			if info, err := lock.Read(repoDir); err == nil {
				return fmt.Errorf("run %s (PID %d) holds the lock: %w", info.RunID, info.PID, lock.ErrLocked)
			}

			store := backlog.NewStore(prdPath())
			n, err := store.Reset(args...)
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Reset %d story(ies) in %s\n", n, store.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every story")

	return cmd
}
