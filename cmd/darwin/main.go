package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"darwin/internal/automation"
	"darwin/internal/config"
	"darwin/internal/logging"
	"darwin/internal/patterns"
	"darwin/internal/proposals"
	"darwin/internal/selfheal"
	"darwin/internal/store"
	"darwin/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "darwin",
	Short: "darwin - trace-driven self-evolution for coding agents",
	Long: `darwin watches recorded agent-execution traces, detects recurring
failure and drift patterns, turns them into risk-classified evolution
proposals, gates how automatically those proposals may be applied, and
rolls back any applied change that degrades performance.

State lives under .darwin/ in the workspace.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("categorized logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// analyzeCmd runs the pattern detector over a traces file
var analyzeCmd = &cobra.Command{
	Use:   "analyze [traces.json]",
	Short: "Detect learning signals in a trace file",
	Long: `Reads a JSON array of trace events, runs the pattern detector over
the configured analysis window, and prints the detected signals.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// proposeCmd turns a traces file into evolution proposals
var proposeCmd = &cobra.Command{
	Use:   "propose [traces.json]",
	Short: "Generate evolution proposals from a trace file",
	Long: `Runs the pattern detector over a JSON trace file, feeds the
resulting signals to the proposal generator, persists the proposals, and
prints them.`,
	Args: cobra.ExactArgs(1),
	RunE: runPropose,
}

// runCmd executes one gated evolution pass
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one gated evolution pass",
	Long: `Evaluates trigger conditions and rate limits, then runs detection
and generation over the stored traces. Proposals are persisted as pending;
review and application are driven by their own collaborators.

Use --traces to import a trace file into the store before the pass.`,
	RunE: runPass,
}

// statusCmd shows monitored applications and limiter state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitored applications and rate-limit state",
	RunE:  runStatus,
}

// rollbackCmd manually rolls back one application
var rollbackCmd = &cobra.Command{
	Use:   "rollback [application-id]",
	Short: "Manually roll back an applied proposal",
	Long: `Restores every file backed up for the application and marks it
rolled back. Manual rollbacks bypass the daily rollback limit.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

// configCmd groups config subcommands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the workspace configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to .darwin/config.yaml",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var (
	runTask       string
	runCost       float64
	runTracesFile string

	rollbackReason string

	configForce bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")

	runCmd.Flags().StringVar(&runTask, "task", "", "Latest task outcome text for trigger evaluation")
	runCmd.Flags().Float64Var(&runCost, "cost", 0, "Total model spend for trigger evaluation")
	runCmd.Flags().StringVar(&runTracesFile, "traces", "", "Trace file to import before the pass")

	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "manual rollback", "Reason recorded in the rollback log")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func loadWorkspaceConfig() (*config.Config, error) {
	return config.Load(config.Path(workspace))
}

func openWorkspaceStore() (*store.Store, error) {
	return store.Open(filepath.Join(workspace, ".darwin", "darwin.db"))
}

func readTraces(path string) ([]types.TraceEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading traces: %w", err)
	}
	var traces []types.TraceEvent
	if err := json.Unmarshal(data, &traces); err != nil {
		return nil, fmt.Errorf("parsing traces: %w", err)
	}
	return traces, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	traces, err := readTraces(args[0])
	if err != nil {
		return err
	}

	detector := patterns.New(cfg.Detector.ToDetectorConfig())
	signals := detector.AnalyzeTraces(traces, time.Now())
	logger.Info("analysis complete",
		zap.Int("events", len(traces)),
		zap.Int("signals", len(signals)))

	if len(signals) == 0 {
		fmt.Println("No signals detected.")
		return nil
	}
	return printJSON(signals)
}

func runPropose(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	traces, err := readTraces(args[0])
	if err != nil {
		return err
	}

	detector := patterns.New(cfg.Detector.ToDetectorConfig())
	generator := proposals.New(cfg.Generator.ToGeneratorConfig())
	signals := detector.AnalyzeTraces(traces, time.Now())
	generated := generator.GenerateFromSignals(signals)
	logger.Info("proposal generation complete",
		zap.Int("signals", len(signals)),
		zap.Int("proposals", len(generated)))

	if len(generated) == 0 {
		fmt.Println("No proposals generated.")
		return nil
	}

	st, err := openWorkspaceStore()
	if err != nil {
		return err
	}
	defer st.Close()
	for i := range generated {
		if err := st.SaveProposal(&generated[i]); err != nil {
			return err
		}
	}
	return printJSON(generated)
}

func runPass(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	st, err := openWorkspaceStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if runTracesFile != "" {
		traces, err := readTraces(runTracesFile)
		if err != nil {
			return err
		}
		if err := st.InsertTraceEvents(traces); err != nil {
			return err
		}
		logger.Info("imported traces", zap.Int("count", len(traces)))
	}

	now := time.Now()
	since := now.Add(-cfg.Detector.ToDetectorConfig().AnalysisWindow).UnixMilli()
	traces, err := st.TraceEventsSince(since)
	if err != nil {
		return err
	}

	detector := patterns.New(cfg.Detector.ToDetectorConfig())
	generator := proposals.New(cfg.Generator.ToGeneratorConfig())
	monitor, err := selfheal.NewMonitor(st, filepath.Join(workspace, ".darwin", "backups"), cfg.SelfHealing)
	if err != nil {
		return err
	}

	orchestrator := automation.NewOrchestrator(cfg.Automation, st, detector, generator)
	orchestrator.SetMonitor(monitor)

	input := automation.RunInput{
		Usage:  types.TokenUsage{TotalCost: runCost},
		Traces: traces,
		Now:    now,
	}
	if runTask != "" {
		input.History = &types.HistoryItem{Task: runTask, Timestamp: now}
	}

	result, err := orchestrator.RunOnce(context.Background(), input)
	if err != nil {
		return err
	}
	fmt.Println(automation.NewLogEntry(result))
	return printJSON(result)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	st, err := openWorkspaceStore()
	if err != nil {
		return err
	}
	defer st.Close()

	monitor, err := selfheal.NewMonitor(st, filepath.Join(workspace, ".darwin", "backups"), cfg.SelfHealing)
	if err != nil {
		return err
	}

	apps := monitor.Applications()
	fmt.Printf("Automation level: %s\n", cfg.Automation.Level)
	fmt.Printf("Monitored applications: %d\n", len(apps))
	for _, app := range apps {
		evaluated := "no after-metrics"
		if app.AfterMetrics != nil {
			evaluated = fmt.Sprintf("after: %.0f%% success over %d tasks",
				app.AfterMetrics.SuccessRate*100, app.AfterMetrics.TaskCount)
		}
		fmt.Printf("  %s  proposal=%s  status=%s  %s\n", app.ID, app.ProposalID, app.Status, evaluated)
	}

	for _, key := range []string{"automation", "rollback"} {
		state, err := st.LoadRateLimitState(key)
		if err != nil {
			return err
		}
		fmt.Printf("Rate limit %-10s  day=%s count=%d\n", key, state.DailyDate, state.DailyCount)
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	st, err := openWorkspaceStore()
	if err != nil {
		return err
	}
	defer st.Close()

	monitor, err := selfheal.NewMonitor(st, filepath.Join(workspace, ".darwin", "backups"), cfg.SelfHealing)
	if err != nil {
		return err
	}

	action, err := monitor.Rollback(args[0], rollbackReason, false, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back %s (%d files restored)\n", args[0], len(action.RestoredFiles))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
