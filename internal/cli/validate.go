package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/backlog"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the backlog without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := backlog.NewStore(prdPath())
			b, err := store.Load()
			if err != nil {
				return err
			}
			if strict {
				if err := backlog.Validate(b); err != nil {
					return fmt.Errorf("validate %s: %w", store.Path(), err)
				}
			}
			total, passed := b.Counts()
			fmt.Fprintf(os.Stdout, "%s: valid (%d stories, %d passing)\n", store.Path(), total, passed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "also apply the authoring rules (branch name, titles, acceptance criteria)")

	return cmd
}
