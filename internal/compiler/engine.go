package compiler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/executor"
	"github.com/ShayCichocki/sentinel/internal/fetcher"
	"github.com/ShayCichocki/sentinel/internal/joiner"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

const tracerName = "github.com/ShayCichocki/sentinel/internal/compiler"

// ErrCancelled is the workflow error text for a cancelled run.
var ErrCancelled = errors.New("execution cancelled")

// ErrAlreadyRunning is returned when a workflow is started while another
// is in progress on the same engine.
var ErrAlreadyRunning = errors.New("workflow already running")

// Engine drives workflows through planning, execution and joining rounds.
// One workflow runs at a time; status and cancellation are safe to call
// from other goroutines.
type Engine struct {
	planner  Planner
	joiner   Joiner
	fetcher  *fetcher.Unit
	pool     *executor.Pool
	llm      llm.Completer
	prompts  prompts.Lookup
	recorder Recorder
	events   *EventEmitter
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	running bool
	handle  *CancelHandle
}

// New creates an engine from its required collaborators and options.
func New(required RequiredConfig, opts ...Option) *Engine {
	o := &engineOptions{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.MaxConcurrency <= 0 {
		o.config.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.config.MaxIterations <= 0 {
		o.config.MaxIterations = DefaultMaxIterations
	}
	logger := logging.OrNop(o.logger)
	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Engine{
		planner:  required.Planner,
		joiner:   required.Joiner,
		fetcher:  fetcher.New(logger),
		pool:     executor.New(required.Tools, o.config.MaxConcurrency, logger),
		llm:      o.llm,
		prompts:  o.prompts,
		recorder: o.recorder,
		events:   o.events,
		logger:   logger,
		tracer:   tracer,
		cfg:      o.config,
		now:      time.Now,
	}
}

// Config returns the loop limits in effect.
func (e *Engine) Config() Config {
	return e.cfg
}

// PoolMetrics returns the executor pool counters.
func (e *Engine) PoolMetrics() executor.Metrics {
	return e.pool.Metrics()
}

// ExecuteWorkflow runs objective to completion. Only a planning failure in
// round 1 returns an error; every later failure is reported in the result.
// The result is non-nil even when an error is returned.
func (e *Engine) ExecuteWorkflow(ctx context.Context, objective string, planCtx map[string]any) (*models.WorkflowExecutionResult, error) {
	handle := NewCancelHandle(ctx)
	if !e.begin(handle) {
		handle.Cancel()
		return nil, ErrAlreadyRunning
	}
	defer e.end()
	defer handle.Cancel()

	run := &workflowRun{
		result: &models.WorkflowExecutionResult{RunID: uuid.New().String(), Objective: objective},
		start:  e.now(),
	}
	logger := e.logger.With(zap.String("run_id", run.result.RunID))

	spanCtx, span := e.tracer.Start(handle.Context(), "compiler.ExecuteWorkflow",
		trace.WithAttributes(
			attribute.String("run.id", run.result.RunID),
			attribute.Int("max_iterations", e.cfg.MaxIterations),
			attribute.Int("max_concurrency", e.cfg.MaxConcurrency),
		),
	)
	defer span.End()

	logger.Info("workflow started",
		zap.String("objective", objective),
		zap.Int("max_iterations", e.cfg.MaxIterations),
		zap.Int("max_concurrency", e.cfg.MaxConcurrency),
	)

	if err := e.loop(spanCtx, handle, run, objective, planCtx, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		e.finish(ctx, run, handle, logger)
		return run.result, fmt.Errorf("plan round 1: %w", err)
	}

	e.finish(ctx, run, handle, logger)
	span.SetAttributes(
		attribute.Int("rounds", run.summary.Rounds),
		attribute.Int("tasks.total", run.summary.TotalTasks),
		attribute.Int("tasks.failed", run.summary.FailedTasks),
	)
	if run.result.Success {
		span.SetStatus(codes.Ok, "workflow completed")
	} else {
		span.SetStatus(codes.Error, run.result.Error)
	}
	return run.result, nil
}

// workflowRun is the state accumulated by one ExecuteWorkflow call.
type workflowRun struct {
	result      *models.WorkflowExecutionResult
	summary     models.ExecutionSummary
	all         []models.TaskExecutionResult
	plan        *models.TaskGraph
	feedback    string
	cancelled   bool
	planningErr error
	start       time.Time
}

// loop runs rounds until the joiner completes, the budget is spent, or the
// run is cancelled. It returns the round-1 planning error, if any.
func (e *Engine) loop(ctx context.Context, handle *CancelHandle, run *workflowRun, objective string, planCtx map[string]any, logger *zap.Logger) error {
	for round := 1; round <= e.cfg.MaxIterations; round++ {
		if handle.Cancelled() {
			run.cancelled = true
			return nil
		}

		done, err := e.runRound(ctx, handle, run, round, objective, planCtx, logger)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	logger.Info("round budget exhausted", zap.Int("max_iterations", e.cfg.MaxIterations))
	return nil
}

func (e *Engine) runRound(ctx context.Context, handle *CancelHandle, run *workflowRun, round int, objective string, planCtx map[string]any, logger *zap.Logger) (done bool, err error) {
	ctx, span := e.tracer.Start(ctx, "compiler.round", trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()
	logger = logger.With(zap.Int("round", round))

	plan, err := e.planRound(ctx, run, round, objective, planCtx)
	if err == nil {
		err = e.fetcher.InitializePlan(plan)
	}
	if err != nil {
		if handle.Cancelled() {
			run.cancelled = true
			return true, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		e.emit(Event{Type: EventPlanningFailed, RunID: run.result.RunID, Round: round, Error: err.Error()})
		if round == 1 {
			run.planningErr = err
			logger.Error("planning failed", zap.Error(err))
			return true, err
		}
		logger.Warn("replanning failed, ending workflow", zap.Error(err))
		run.summary.AddFinding(fmt.Sprintf("round %d: replanning failed: %v", round, err))
		return true, nil
	}
	run.plan = plan
	run.summary.Rounds = round
	if round > 1 {
		run.summary.ReplanningCount++
	}
	span.SetAttributes(attribute.Int("plan.tasks", plan.Size()))
	logger.Info("round started", zap.String("plan_id", plan.ID), zap.Int("tasks", plan.Size()))
	e.emit(Event{Type: EventRoundStarted, RunID: run.result.RunID, Round: round, Tasks: plan.Size(), Message: plan.ID})

	results, cancelled := e.executeRound(ctx, handle, run.result.RunID, plan, round, logger)
	run.summary.Record(results)
	run.all = append(run.all, results...)
	for _, finding := range joiner.ExtractKeyFindings(results) {
		run.summary.AddFinding(finding)
	}
	if cancelled {
		run.cancelled = true
		return true, nil
	}

	completed, failed := countResults(results)
	logger.Info("round executed", zap.Int("completed", completed), zap.Int("failed", failed))

	decision := e.joiner.AnalyzeAndDecide(ctx, joiner.Round{
		Objective: objective,
		Plan:      plan,
		Results:   results,
		Number:    round,
		Stats:     e.fetcher.ExecutionStats(),
		Stalled:   e.fetcher.StalledTasks(),
	})
	run.summary.AddFinding(decisionFinding(round, decision))
	e.emit(Event{Type: EventDecision, RunID: run.result.RunID, Round: round, Message: string(decision.Kind) + ": " + decision.Reasoning})
	span.SetAttributes(
		attribute.String("decision", string(decision.Kind)),
		attribute.Float64("decision.confidence", decision.Confidence),
	)

	if decision.IsComplete() {
		return true, nil
	}
	if !e.cfg.EnableReplanning {
		logger.Info("replanning disabled, ending workflow after continue verdict")
		return true, nil
	}
	run.feedback = decision.Feedback
	return false, nil
}

func (e *Engine) planRound(ctx context.Context, run *workflowRun, round int, objective string, planCtx map[string]any) (*models.TaskGraph, error) {
	if round == 1 || run.plan == nil {
		return e.planner.GenerateDAGPlan(ctx, objective, planCtx)
	}
	return e.planner.Replan(ctx, objective, run.plan, run.all, run.feedback, planCtx)
}

// executeRound runs waves of ready tasks until none are ready. It reports
// whether the round was cut short by cancellation.
func (e *Engine) executeRound(ctx context.Context, handle *CancelHandle, runID string, plan *models.TaskGraph, round int, logger *zap.Logger) ([]models.TaskExecutionResult, bool) {
	resolver := executor.NewResolver(plan.VariableMappings, e.fetcher)
	var results []models.TaskExecutionResult

	for wave := 1; ; wave++ {
		if handle.Cancelled() {
			return results, true
		}
		ready := e.fetcher.FetchReadyTasks(e.cfg.MaxConcurrency)
		if len(ready) == 0 {
			return results, false
		}

		waveCtx, span := e.tracer.Start(ctx, "compiler.wave", trace.WithAttributes(
			attribute.Int("round", round),
			attribute.Int("wave", wave),
			attribute.Int("tasks", len(ready)),
		))
		e.emit(Event{Type: EventWaveStarted, RunID: runID, Round: round, Wave: wave, Tasks: len(ready)})
		waveResults := e.pool.ExecuteWave(waveCtx, ready, resolver)
		span.End()

		cancelled := handle.Cancelled()
		if cancelled {
			e.fetcher.CancelPendingTasks()
		}
		for _, r := range waveResults {
			if r.Metadata == nil {
				r.Metadata = map[string]any{}
			}
			r.Metadata["round"] = round
			if err := e.fetcher.CompleteTask(r); err != nil {
				logger.Debug("discarding task result", zap.String("task_id", r.TaskID), zap.Error(err))
				continue
			}
			results = append(results, r)
			e.emit(taskEvent(runID, round, wave, r))
		}
		if cancelled {
			return results, true
		}
	}
}

// finish builds the final response and metrics, releases unfinished tasks,
// and records the run.
func (e *Engine) finish(ctx context.Context, run *workflowRun, handle *CancelHandle, logger *zap.Logger) {
	if n := e.fetcher.CancelPendingTasks(); n > 0 {
		logger.Info("abandoned unfinished tasks", zap.Int("count", n))
	}

	run.summary.WallTime = e.now().Sub(run.start)
	run.summary.Efficiency = CalculateEfficiencyMetrics(run.summary, e.cfg.MaxConcurrency)

	result := run.result
	result.TaskResults = run.all
	result.EfficiencyMetrics = run.summary.Efficiency

	switch {
	case run.planningErr != nil:
		result.Error = run.planningErr.Error()
	case run.cancelled:
		result.Error = ErrCancelled.Error()
		result.Response = DefaultResponse(run.all, run.summary)
	default:
		result.Success = run.summary.SuccessfulTasks > 0
		result.Response = e.synthesize(handle.Context(), result.Objective, run.all, run.summary)
	}
	result.ExecutionSummary = run.summary

	logger.Info("workflow finished",
		zap.Bool("success", result.Success),
		zap.Int("rounds", run.summary.Rounds),
		zap.Int("total_tasks", run.summary.TotalTasks),
		zap.Int("successful_tasks", run.summary.SuccessfulTasks),
		zap.Int("failed_tasks", run.summary.FailedTasks),
		zap.Duration("wall_time", run.summary.WallTime),
		zap.String("error", result.Error),
	)

	if e.recorder != nil {
		if err := e.recorder.SaveRun(context.WithoutCancel(ctx), result); err != nil {
			logger.Warn("failed to record workflow", zap.Error(err))
		}
	}
	e.emit(Event{Type: EventWorkflowDone, RunID: result.RunID, Round: run.summary.Rounds, Error: result.Error, Duration: run.summary.WallTime})
}

func taskEvent(runID string, round, wave int, r models.TaskExecutionResult) Event {
	ev := Event{
		Type:     EventTaskCompleted,
		RunID:    runID,
		Round:    round,
		Wave:     wave,
		TaskID:   r.TaskID,
		Duration: r.Duration,
		Error:    r.Error,
	}
	if tool, ok := r.Metadata["tool_name"].(string); ok {
		ev.Tool = tool
	}
	if !r.Succeeded() {
		ev.Type = EventTaskFailed
	}
	return ev
}

// EngineStatus returns a snapshot of task states and pool capacity.
func (e *Engine) EngineStatus() models.EngineStatus {
	stats := e.fetcher.ExecutionStats()
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	return models.EngineStatus{
		Running:           running || stats.Executing > 0,
		Pending:           stats.Pending(),
		Executing:         stats.Executing,
		Completed:         stats.Completed,
		Failed:            stats.Failed,
		AvailableCapacity: e.pool.AvailablePermits(),
		TotalCapacity:     e.pool.MaxConcurrency(),
	}
}

// CancelExecution stops the running workflow at its next checkpoint and
// cancels every unfinished task.
func (e *Engine) CancelExecution() {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	n := e.fetcher.CancelPendingTasks()
	e.logger.Info("execution cancelled", zap.Int("cancelled_tasks", n))
}

// Reset cancels any running workflow and clears the joiner history.
func (e *Engine) Reset() {
	e.CancelExecution()
	e.joiner.Reset()
	e.logger.Info("engine reset")
}

func (e *Engine) begin(handle *CancelHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	e.handle = handle
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.handle = nil
}

func decisionFinding(round int, d models.JoinerDecision) string {
	if d.IsComplete() {
		return fmt.Sprintf("round %d: decided to complete (confidence %.2f): %s", round, d.Confidence, d.Reasoning)
	}
	return fmt.Sprintf("round %d: decided to continue (confidence %.2f): %s", round, d.Confidence, d.Feedback)
}

func countResults(results []models.TaskExecutionResult) (completed, failed int) {
	for _, r := range results {
		if r.Succeeded() {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}
