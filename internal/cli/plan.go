package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/agent"
	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/plan"
)

// errPlanDeclined is returned when the developer does not confirm the draft.
var errPlanDeclined = errors.New("backlog not saved")

type planOptions struct {
	description string
	agentName   string
	yes         bool
	force       bool
}

func newPlanCmd() *cobra.Command {
	var o planOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Draft a new backlog with the agent",
		Long: "Plan asks the agent to plan the project, extracts the agreed stories as JSON, " +
			"validates them and writes the backlog after confirmation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			name, profile, err := s.Profile(o.agentName)
			if err != nil {
				return err
			}
			ag, err := buildAgent(profile, agent.Options{
				IdleTimeout: s.IdleTimeout,
				Timeout:     s.AgentTimeout,
			})
			if err != nil {
				return fmt.Errorf("agent %s: %w", name, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return runPlan(ctx, ag, o, isInteractive(), os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&o.description, "description", "d", "", "project description (prompted for on a terminal when empty)")
	cmd.Flags().StringVar(&o.agentName, "agent", "", "agent profile name")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "save without asking for confirmation")
	cmd.Flags().BoolVar(&o.force, "force", false, "overwrite an existing backlog file")

	return cmd
}

func runPlan(ctx context.Context, a plan.Asker, o planOptions, interactive bool, w io.Writer) error {
	store := backlog.NewStore(prdPath())
	if _, err := os.Stat(store.Path()); err == nil && !o.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", store.Path())
	}

	if o.description == "" && interactive {
		err := huh.NewForm(huh.NewGroup(
			huh.NewText().
				Title("Describe the project").
				Description("Leave empty to let the agent plan from the repository alone.").
				Value(&o.description),
		)).Run()
		if err != nil {
			return fmt.Errorf("description form: %w", err)
		}
	}

	fmt.Fprintln(w, "Planning with the agent, this can take a few minutes...")
	draft, err := plan.Run(ctx, a, o.description, repoDir)
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprint(w, plan.Summary(draft.Backlog))

	if !o.yes {
		if !interactive {
			return fmt.Errorf("%w: confirmation needs a terminal, pass --yes", errPlanDeclined)
		}
		confirmed := true
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Write %d stories to %s?", len(draft.Backlog.Stories), store.Path())).
			Value(&confirmed).
			Run()
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		if !confirmed {
			return errPlanDeclined
		}
	}

	if err := store.Save(draft.Backlog); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nSaved %s. Start with: storyforge run%s\n", store.Path(), dirHint())
	return nil
}

func dirHint() string {
	if repoDir == "." || strings.TrimSpace(repoDir) == "" {
		return ""
	}
	return " --dir " + repoDir
}
