package cli

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/config"
)

// Version, Commit and BuildDate are set via LDFLAGS at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	verbose    bool
	configFile string
	repoDir    string
	prdFile    string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "storyforge",
		Short: "Autonomous story-by-story change agent orchestrator",
		Long: "storyforge works through a backlog of user stories one at a time: it asks a coding agent " +
			"for a change, runs the acceptance check, and commits the result only when the check passes.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&repoDir, "dir", ".", "repository working directory")
	root.PersistentFlags().StringVar(&prdFile, "prd", backlog.DefaultFile, "backlog file, relative to --dir")
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <dir>/"+config.DefaultFile+")")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newUnlockCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// inDir resolves p against --dir unless it is absolute.
func inDir(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(repoDir, p)
}

func prdPath() string { return inDir(prdFile) }

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return inDir(config.DefaultFile)
}

func loadSettings() (*config.Settings, error) {
	return config.Load(configPath())
}
