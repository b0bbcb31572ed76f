package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ppiankov/neurorouter"
	"github.com/ppiankov/storyforge/internal/agent"
	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/config"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/gitgate"
	"github.com/ppiankov/storyforge/internal/history"
	"github.com/ppiankov/storyforge/internal/lock"
	"github.com/ppiankov/storyforge/internal/metrics"
	"github.com/ppiankov/storyforge/internal/progress"
	"github.com/ppiankov/storyforge/internal/reporter"
	"github.com/ppiankov/storyforge/internal/verify"
)

// stateDir holds run artifacts, the checkpoint and the history database.
const stateDir = ".storyforge"

type runOptions struct {
	progressFile  string
	promptFile    string
	agentName     string
	maxAttempts   int
	maxStories    int
	onReject      string
	onUnavailable string
	verifyCmds    []string
	verifyTimeout time.Duration
	agentTimeout  time.Duration
	idleTimeout   time.Duration
	checkout      bool
	metricsFile   string
	dryRun        bool
	tuiMode       string
}

func newRunCmd() *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Work through the pending stories of the backlog once",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			o.merge(cmd, s)
			if err := o.validate(); err != nil {
				return err
			}
			return runStories(o, s)
		},
	}

	cmd.Flags().StringVar(&o.progressFile, "progress", progress.DefaultFile, "progress log, relative to --dir")
	cmd.Flags().StringVar(&o.promptFile, "prompt", "", "base prompt file replacing the built-in prompt")
	cmd.Flags().StringVar(&o.agentName, "agent", "", "agent profile name (claude, codex or a configured profile)")
	cmd.Flags().IntVar(&o.maxAttempts, "max-attempts", engine.DefaultMaxAttempts, "attempts per story before it is rejected")
	cmd.Flags().IntVar(&o.maxStories, "max-stories", 0, "stop after this many stories (0 = no limit)")
	cmd.Flags().StringVar(&o.onReject, "on-reject", string(engine.RejectHalt), "after a rejection: halt or continue")
	cmd.Flags().StringVar(&o.onUnavailable, "on-unavailable", string(engine.UnavailableAbort), "when the acceptance check cannot run: abort or retry")
	cmd.Flags().StringArrayVar(&o.verifyCmds, "verify-cmd", []string{verify.DefaultCommand}, "acceptance check command (repeatable)")
	cmd.Flags().DurationVar(&o.verifyTimeout, "verify-timeout", 20*time.Minute, "per-command acceptance check timeout")
	cmd.Flags().DurationVar(&o.agentTimeout, "agent-timeout", 30*time.Minute, "per-attempt agent timeout")
	cmd.Flags().DurationVar(&o.idleTimeout, "idle-timeout", 5*time.Minute, "kill the agent after no output for this duration")
	cmd.Flags().BoolVar(&o.checkout, "checkout-branch", false, "switch to the backlog's branchName before the first story")
	cmd.Flags().StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus textfile metrics here after the run")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "show the stories that would be attempted without running anything")
	cmd.Flags().StringVar(&o.tuiMode, "tui", "auto", "display mode: full (interactive TUI), off (line output), auto (detect TTY)")

	return cmd
}

// merge fills options the user did not set on the command line from settings.
func (o *runOptions) merge(cmd *cobra.Command, s *config.Settings) {
	changed := cmd.Flags().Changed
	if !changed("agent") && s.Agent != "" {
		o.agentName = s.Agent
	}
	if !changed("prompt") && s.Prompt != "" {
		o.promptFile = s.Prompt
	}
	if !changed("max-attempts") && s.MaxAttempts > 0 {
		o.maxAttempts = s.MaxAttempts
	}
	if !changed("max-stories") && s.MaxStories > 0 {
		o.maxStories = s.MaxStories
	}
	if !changed("on-reject") && s.OnReject != "" {
		o.onReject = s.OnReject
	}
	if !changed("on-unavailable") && s.OnUnavailable != "" {
		o.onUnavailable = s.OnUnavailable
	}
	if !changed("verify-cmd") && len(s.Verify.Commands) > 0 {
		o.verifyCmds = s.Verify.Commands
	}
	if !changed("verify-timeout") && s.Verify.Timeout > 0 {
		o.verifyTimeout = s.Verify.Timeout
	}
	if !changed("agent-timeout") && s.AgentTimeout > 0 {
		o.agentTimeout = s.AgentTimeout
	}
	if !changed("idle-timeout") && s.IdleTimeout > 0 {
		o.idleTimeout = s.IdleTimeout
	}
	if !changed("checkout-branch") && s.CheckoutBranch {
		o.checkout = true
	}
	if !changed("metrics-file") && s.MetricsFile != "" {
		o.metricsFile = s.MetricsFile
	}
}

func (o *runOptions) validate() error {
	switch engine.OnReject(o.onReject) {
	case engine.RejectHalt, engine.RejectContinue:
	default:
		return fmt.Errorf("--on-reject must be halt or continue, got %q", o.onReject)
	}
	switch engine.OnUnavailable(o.onUnavailable) {
	case engine.UnavailableAbort, engine.UnavailableRetry:
	default:
		return fmt.Errorf("--on-unavailable must be abort or retry, got %q", o.onUnavailable)
	}
	switch o.tuiMode {
	case "auto", "full", "off":
	default:
		return fmt.Errorf("--tui must be auto, full or off, got %q", o.tuiMode)
	}
	if o.maxAttempts < 1 {
		return fmt.Errorf("--max-attempts must be at least 1")
	}
	if len(o.verifyCmds) == 0 {
		return fmt.Errorf("at least one --verify-cmd is required")
	}
	return nil
}

func runStories(o runOptions, s *config.Settings) error {
	dir, err := filepath.Abs(repoDir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	store := backlog.NewStore(prdPath())
	b, err := store.Load()
	if err != nil {
		return err
	}

	isTTY := isTerminal()
	textRep := reporter.NewTextReporter(os.Stdout, isTTY)
	planned := engine.Plan(b, o.maxStories)

	if o.dryRun {
		textRep.PrintDryRun(planned, o.maxAttempts, o.verifyCmds)
		return nil
	}
	if len(planned) == 0 {
		fmt.Fprintln(os.Stdout, "All stories pass, nothing to do.")
		return nil
	}

	runID := engine.NewRunID()
	lk, err := lock.Acquire(dir, runID)
	if err != nil {
		return err
	}
	defer lk.Release()

	progressPath := inDir(o.progressFile)
	gate, err := gitgate.Open(dir, gitgate.Options{
		Exclude:     excludedPaths(dir, store.Path(), progressPath, s.Exclude),
		AuthorName:  s.CommitAuthor.Name,
		AuthorEmail: s.CommitAuthor.Email,
	})
	if err != nil {
		return err
	}
	if o.checkout && b.BranchName != "" {
		if err := gate.PrepareBranch(b.BranchName); err != nil {
			return fmt.Errorf("checkout %s: %w", b.BranchName, err)
		}
	}

	agentName, profile, err := s.Profile(o.agentName)
	if err != nil {
		return err
	}
	promptPath := o.promptFile
	if promptPath != "" {
		promptPath = inDir(promptPath)
	}
	base, err := agent.LoadBasePrompt(promptPath)
	if err != nil {
		return err
	}
	ag, err := buildAgent(profile, agent.Options{
		IdleTimeout: o.idleTimeout,
		Timeout:     o.agentTimeout,
		BasePrompt:  base,
		Probe:       gate,
	})
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentName, err)
	}

	// setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupted, stopping after the current step...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if profile.Type == config.AgentCodex && s.Proxy != nil && s.Proxy.Enabled {
		stop, err := startProxy(s.Proxy)
		if err != nil {
			return fmt.Errorf("proxy config: %w", err)
		}
		defer stop()
	}

	runDir := filepath.Join(dir, stateDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	progLog := progress.New(progressPath)
	observers := []engine.Observer{
		&engine.Checkpoint{Path: filepath.Join(dir, engine.CheckpointFile)},
		&progress.Observer{Log: progLog},
	}

	if hist := openHistory(dir, s); hist != nil {
		defer func() { _ = hist.Close() }()
		if err := hist.BeginRun(ctx, runID, b.BranchName, time.Now()); err != nil {
			slog.Warn("history unavailable", "error", err)
		} else {
			observers = append(observers, &history.Recorder{Store: hist, RunID: runID})
		}
	}

	m := metrics.New()
	observers = append(observers, m.Observer())

	displayMode := o.tuiMode
	if displayMode == "auto" {
		if isTTY {
			displayMode = "full"
		} else {
			displayMode = "off"
		}
	}

	textRep.PrintHeader(runID, b.BranchName, agentName, len(planned))

	var tuiProgram *tea.Program
	tuiDone := make(chan struct{})
	switch displayMode {
	case "full":
		board := reporter.NewBoard(runID, planned)
		observers = append(observers, board)
		tuiProgram = tea.NewProgram(reporter.NewTUIModel(board, cancel), tea.WithAltScreen())
		go func() {
			defer close(tuiDone)
			if _, err := tuiProgram.Run(); err != nil {
				slog.Warn("TUI error", "error", err)
			}
		}()
	default:
		close(tuiDone)
		observers = append(observers, reporter.NewProgressPrinter(os.Stdout, isTTY))
	}

	eng := engine.New(engine.Config{
		Store:     store,
		Agent:     ag,
		Verifier: &verify.CommandVerifier{
			Commands:   o.verifyCmds,
			Timeout:    o.verifyTimeout,
			OutputTail: s.Verify.OutputTail,
			LogDir:     runDir,
		},
		Committer:     gate,
		Learnings:     progLog,
		RepoDir:       dir,
		RunDir:        runDir,
		RunID:         runID,
		MaxAttempts:   o.maxAttempts,
		MaxStories:    o.maxStories,
		OnReject:      engine.OnReject(o.onReject),
		OnUnavailable: engine.OnUnavailable(o.onUnavailable),
		CommitMessage: gitgate.CommitMessage,
		Observers:     observers,
	})

	slog.Info("starting run", "run", runID, "stories", len(planned), "agent", agentName, "run_dir", runDir)
	sum, runErr := eng.Run(ctx)

	if tuiProgram != nil {
		tuiProgram.Send(reporter.RunDoneMsg{})
	}
	<-tuiDone

	report := reporter.NewReport(sum, agentName)
	textRep.PrintSummary(report)

	reportPath := filepath.Join(runDir, reporter.ReportFile)
	if err := reporter.WriteJSONReport(report, reportPath); err != nil {
		slog.Warn("failed to write report", "error", err)
	} else {
		fmt.Fprintf(os.Stdout, "\nReport: %s\n", reportPath)
	}

	if o.metricsFile != "" {
		if err := m.WriteTextfile(inDir(o.metricsFile)); err != nil {
			slog.Warn("failed to write metrics", "error", err)
		}
	}

	if s.PostRun != "" {
		runPostHook(s.PostRun, dir, runDir)
	}

	if runErr != nil {
		return runErr
	}
	var rejected []string
	for _, r := range sum.Results {
		if r.Outcome == engine.OutcomeRejected {
			rejected = append(rejected, r.StoryID)
		}
	}
	if len(rejected) > 0 {
		return &RejectedError{IDs: rejected}
	}
	return nil
}

// buildAgent constructs the agent for a profile.
func buildAgent(p *config.AgentProfile, opts agent.Options) (*agent.Agent, error) {
	env, err := agent.ResolveEnv(p.Env)
	if err != nil {
		return nil, err
	}
	opts.Env = env
	opts.Model = p.Model
	switch p.Type {
	case config.AgentClaude:
		return agent.NewClaude(opts), nil
	case config.AgentCodex:
		return agent.NewCodex(opts), nil
	case config.AgentScript:
		if p.Command == "" {
			return nil, errors.New("script agent needs a command")
		}
		return agent.NewScript(p.Command, opts), nil
	}
	return nil, fmt.Errorf("unknown agent type %q", p.Type)
}

// excludedPaths lists files the commit gate must never stage.
func excludedPaths(dir, prd, progressLog string, extra []string) []string {
	paths := []string{
		prd,
		progressLog,
		filepath.Join(dir, stateDir),
		lock.Path(dir),
	}
	for _, e := range extra {
		if !filepath.IsAbs(e) {
			e = filepath.Join(dir, e)
		}
		paths = append(paths, e)
	}
	return paths
}

func openHistory(dir string, s *config.Settings) *history.Store {
	path := s.HistoryDB
	if path == "" {
		path = history.DefaultFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	h, err := history.Open(path)
	if err != nil {
		slog.Warn("history unavailable", "path", path, "error", err)
		return nil
	}
	return h
}

// startProxy runs the Responses API → Chat Completions proxy for codex
// profiles pointed at Chat Completions providers. The returned func stops it.
func startProxy(pc *config.ProxyConfig) (func(), error) {
	proxyCfg, err := resolveProxyConfig(pc)
	if err != nil {
		return nil, err
	}
	srv := neurorouter.NewProxy(proxyCfg)
	if _, err := srv.Start(); err != nil {
		// non-fatal: another process may already own the port
		slog.Warn("proxy start failed (may already be running)", "error", err)
		return func() {}, nil
	}
	return func() {
		if err := srv.Stop(); err != nil {
			slog.Warn("proxy stop error", "error", err)
		}
	}, nil
}

// resolveProxyConfig converts config.ProxyConfig to neurorouter.ProxyConfig,
// resolving "env:VAR_NAME" references in API keys.
func resolveProxyConfig(pc *config.ProxyConfig) (neurorouter.ProxyConfig, error) {
	cfg := neurorouter.ProxyConfig{
		Listen:  pc.Listen,
		Targets: make(map[string]neurorouter.Target, len(pc.Targets)),
	}
	if cfg.Listen == "" {
		cfg.Listen = ":4000"
	}
	for name, t := range pc.Targets {
		keys, err := agent.ResolveEnv(map[string]string{"api_key": t.APIKey})
		if err != nil {
			return neurorouter.ProxyConfig{}, fmt.Errorf("target %q: %w", name, err)
		}
		cfg.Targets[name] = neurorouter.Target{
			BaseURL: t.BaseURL,
			APIKey:  keys["api_key"],
		}
	}
	return cfg, nil
}

// runPostHook runs the post_run command with the run directory exported.
func runPostHook(command, dir, runDir string) {
	hookCmd := exec.Command("sh", "-c", command)
	hookCmd.Dir = dir
	hookCmd.Env = append(os.Environ(), "STORYFORGE_RUN_DIR="+runDir)
	hookCmd.Stdout = os.Stdout
	hookCmd.Stderr = os.Stderr
	fmt.Fprintf(os.Stdout, "\npost_run: %s\n", command)
	if err := hookCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "post_run hook FAILED: %v\n", err)
	}
}
