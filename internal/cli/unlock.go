package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/lock"
)

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale run lock file",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := lock.Remove(repoDir)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintf(os.Stdout, "No lock found in %s\n", repoDir)
					return nil
				}
				return fmt.Errorf("remove lock: %w", err)
			}

			fmt.Fprintf(os.Stdout, "Removed lock (was PID %d, run %s, since %s)\n",
				info.PID, info.RunID, info.StartedAt.Format(time.RFC3339))
			return nil
		},
	}
}
