package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/compiler"
	"github.com/ShayCichocki/sentinel/internal/config"
	"github.com/ShayCichocki/sentinel/internal/joiner"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/internal/planner"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/internal/scope"
	"github.com/ShayCichocki/sentinel/internal/signals"
	"github.com/ShayCichocki/sentinel/internal/state"
	"github.com/ShayCichocki/sentinel/internal/tools"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

var (
	runContext        []string
	runJSON           bool
	runMaxIterations  int
	runMaxConcurrency int
	runNoReplan       bool
)

// errWorkflowFailed makes the process exit non-zero after the result has
// already been printed.
var errWorkflowFailed = errors.New("workflow did not succeed")

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Plan and execute a security-testing objective",
	Long: `Run an objective through the plan, execute, join loop.

The planner turns the objective into a graph of tool calls. Ready tasks run
in parallel waves bounded by --max-concurrency. After each round the joiner
decides whether the objective is met or another round should be planned
from its feedback, up to --max-iterations rounds.

Planning context:
  --context target=example.com --context ports=[22,443]

Values that parse as JSON keep their type; anything else is a string.

Cancel a running workflow with Ctrl-C or 'sentinel cancel'. Partial results
are still reported.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runObjective,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runContext, "context", "c", nil, "Planning context as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the workflow result as JSON")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Override engine.max_iterations")
	runCmd.Flags().IntVar(&runMaxConcurrency, "max-concurrency", 0, "Override engine.max_concurrency")
	runCmd.Flags().BoolVar(&runNoReplan, "no-replan", false, "Stop after the first round")
}

func runObjective(cmd *cobra.Command, args []string) error {
	objective := strings.TrimSpace(strings.Join(args, " "))
	if objective == "" {
		return errors.New("objective must not be empty")
	}

	planCtx, err := parseContext(runContext)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openState(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := prepareState(ctx, db, cfg, logger); err != nil {
		return err
	}

	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	opts, err := builtinOptions(cfg)
	if err != nil {
		return err
	}
	registry := tools.NewRegistry(cfg.Engine.TaskTimeout, logger)
	if err := tools.RegisterBuiltins(registry, opts); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	engineOpts := []compiler.Option{
		compiler.WithConfig(compiler.Config{
			MaxConcurrency:   cfg.Engine.MaxConcurrency,
			MaxIterations:    cfg.Engine.MaxIterations,
			EnableReplanning: cfg.Engine.EnableReplanning,
		}),
		compiler.WithLLM(client),
		compiler.WithPromptLookup(db),
		compiler.WithRecorder(db),
		compiler.WithLogger(logger),
	}
	var events *compiler.EventEmitter
	if !runJSON {
		events = compiler.NewEventEmitter(256, logger)
		engineOpts = append(engineOpts, compiler.WithEvents(events))
	}

	engine := compiler.New(compiler.RequiredConfig{
		Planner: planner.New(client, registry,
			planner.WithPromptLookup(db),
			planner.WithLogger(logger),
		),
		Joiner: joiner.New(client, joiner.Config{
			MaxIterations:       cfg.Engine.MaxIterations,
			CompletionThreshold: cfg.Engine.JoinerThreshold,
		},
			joiner.WithPromptLookup(db),
			joiner.WithLogger(logger),
		),
		Tools: registry,
	}, engineOpts...)

	// Handle interrupt signals gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, cancelling workflow...")
			engine.CancelExecution()
		case <-ctx.Done():
		}
	}()

	watcher, err := signals.Watch(cfg.Storage.DataDir, engine.CancelExecution, logger)
	if err != nil {
		logger.Warn("cancel file watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	progressDone := make(chan struct{})
	if events != nil {
		printStatus("→", fmt.Sprintf("Running: %s", objective), color.FgCyan)
		go func() {
			defer close(progressDone)
			for ev := range events.Events() {
				writeEvent(os.Stdout, ev)
			}
		}()
	} else {
		close(progressDone)
	}

	result, runErr := engine.ExecuteWorkflow(ctx, objective, planCtx)
	if events != nil {
		events.Close()
	}
	<-progressDone
	if result == nil {
		return runErr
	}

	if runJSON {
		if err := writeJSON(os.Stdout, result); err != nil {
			return err
		}
	} else {
		fmt.Println()
		writeSummary(os.Stdout, result)
		in, out := client.Tracker().Total()
		fmt.Printf("Tokens: %d in / %d out across %d calls (~$%.4f)\n",
			in, out, client.Tracker().Calls(), client.Tracker().Cost())
	}

	if runErr != nil {
		return runErr
	}
	if !result.Success {
		return errWorkflowFailed
	}
	return nil
}

// applyRunFlags lets explicitly set run flags override the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("max-iterations") {
		cfg.Engine.MaxIterations = runMaxIterations
	}
	if cmd.Flags().Changed("max-concurrency") {
		cfg.Engine.MaxConcurrency = runMaxConcurrency
	}
	if runNoReplan {
		cfg.Engine.EnableReplanning = false
	}
}

// prepareState imports the configured prompt seed and drops expired runs.
func prepareState(ctx context.Context, db *state.DB, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.PromptsFile != "" {
		templates, err := prompts.LoadSeedFile(cfg.Storage.PromptsFile)
		if err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		n, err := prompts.Import(ctx, db, templates)
		if err != nil {
			return fmt.Errorf("import prompts: %w", err)
		}
		logger.Debug("imported prompt templates", zap.Int("count", n), zap.String("file", cfg.Storage.PromptsFile))
	}

	if cfg.Storage.RetainRuns > 0 {
		n, err := db.PurgeOldRuns(cfg.Storage.RetainRuns)
		if err != nil {
			return fmt.Errorf("purge old runs: %w", err)
		}
		if n > 0 {
			logger.Info("purged expired runs", zap.Int64("count", n))
		}
	}
	return nil
}

func newLLMClient(cfg *config.Config) (*llm.Client, error) {
	clientCfg := llm.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		BaseURL:       cfg.Anthropic.BaseURL,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		MaxRetries:    cfg.Anthropic.MaxRetries,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if !cfg.Anthropic.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY or run 'sentinel config anthropic.api_key <key>')", err)
		}
		clientCfg.APIKey = key
	}

	client, err := llm.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	return client, nil
}

func builtinOptions(cfg *config.Config) (tools.BuiltinOptions, error) {
	opts := tools.BuiltinOptions{
		ShellEnabled: cfg.Tools.ShellEnabled,
		WorkDir:      cfg.Tools.WorkDir,
		HTTPTimeout:  cfg.Tools.HTTPTimeout,
		DialTimeout:  cfg.Tools.DialTimeout,
	}
	if len(cfg.Tools.Scope.Allow) > 0 || len(cfg.Tools.Scope.Deny) > 0 {
		guard, err := scope.New(cfg.Tools.Scope.Allow, cfg.Tools.Scope.Deny)
		if err != nil {
			return opts, fmt.Errorf("tools.scope: %w", err)
		}
		opts.Scope = guard
	}
	return opts, nil
}

// parseContext turns key=value pairs into a planning context. Values that
// decode as JSON keep their decoded type.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// writeSummary prints a human-readable workflow result.
func writeSummary(w io.Writer, result *models.WorkflowExecutionResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	if result.Success {
		fmt.Fprintf(w, "%s Workflow %s completed\n", green("✓"), result.RunID)
	} else {
		msg := "failed"
		if result.Error != "" {
			msg = result.Error
		}
		fmt.Fprintf(w, "%s Workflow %s %s\n", red("✗"), result.RunID, msg)
	}

	if result.Response != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(result.Response))
	}

	s := result.ExecutionSummary
	fmt.Fprintf(w, "\n%s\n", bold("Summary"))
	fmt.Fprintf(w, "  Rounds:      %d (%d replans)\n", s.Rounds, s.ReplanningCount)
	fmt.Fprintf(w, "  Tasks:       %d total, %s succeeded, %s failed\n",
		s.TotalTasks, green(s.SuccessfulTasks), red(s.FailedTasks))
	fmt.Fprintf(w, "  Wall time:   %s\n", s.WallTime.Round(time.Millisecond))
	fmt.Fprintf(w, "  Parallelism: %.2f (%.0f%% utilization)\n",
		result.EfficiencyMetrics.AverageParallelism, result.EfficiencyMetrics.ResourceUtilization*100)

	if len(result.TaskResults) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", bold("Tasks"))
	taskResults := append([]models.TaskExecutionResult(nil), result.TaskResults...)
	sort.SliceStable(taskResults, func(i, j int) bool {
		return roundOf(taskResults[i]) < roundOf(taskResults[j])
	})
	for _, r := range taskResults {
		line := fmt.Sprintf("[r%d] %s %s", roundOf(r), r.TaskID, r.Status)
		if r.Error != "" {
			line += ": " + r.Error
		}
		if r.Status == models.TaskStatusCompleted {
			fmt.Fprintf(w, "  %s %s\n", green("✓"), line)
		} else {
			fmt.Fprintf(w, "  %s %s\n", red("✗"), line)
		}
	}
}

// writeEvent prints one progress line for an engine event.
func writeEvent(w io.Writer, ev compiler.Event) {
	dim := color.New(color.Faint).SprintFunc()
	switch ev.Type {
	case compiler.EventRoundStarted:
		fmt.Fprintf(w, "%s round %d: %d tasks planned\n", color.CyanString("●"), ev.Round, ev.Tasks)
	case compiler.EventWaveStarted:
		fmt.Fprintf(w, "  %s\n", dim(fmt.Sprintf("wave %d: %d tasks", ev.Wave, ev.Tasks)))
	case compiler.EventTaskCompleted:
		fmt.Fprintf(w, "  %s %s %s\n", color.GreenString("✓"), ev.TaskID, dim(fmt.Sprintf("(%s, %s)", ev.Tool, ev.Duration.Round(time.Millisecond))))
	case compiler.EventTaskFailed:
		fmt.Fprintf(w, "  %s %s: %s\n", color.RedString("✗"), ev.TaskID, ev.Error)
	case compiler.EventDecision:
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("→"), truncate(ev.Message, 100))
	case compiler.EventPlanningFailed:
		fmt.Fprintf(w, "%s round %d planning failed: %s\n", color.RedString("✗"), ev.Round, ev.Error)
	}
}

// roundOf reads the round a result was produced in, 0 if unknown.
func roundOf(r models.TaskExecutionResult) int {
	switch v := r.Metadata["round"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
