package compiler

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/executor"
	"github.com/ShayCichocki/sentinel/internal/joiner"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

// Planner produces task graphs for a round.
type Planner interface {
	GenerateDAGPlan(ctx context.Context, objective string, planCtx map[string]any) (*models.TaskGraph, error)
	Replan(ctx context.Context, objective string, previous *models.TaskGraph, results []models.TaskExecutionResult, feedback string, planCtx map[string]any) (*models.TaskGraph, error)
}

// Joiner decides whether a workflow is finished after each round.
type Joiner interface {
	AnalyzeAndDecide(ctx context.Context, r joiner.Round) models.JoinerDecision
	Reset()
}

// Recorder persists finished workflows.
type Recorder interface {
	SaveRun(ctx context.Context, result *models.WorkflowExecutionResult) error
}

// Defaults for Config.
const (
	DefaultMaxConcurrency = 10
	DefaultMaxIterations  = 10
)

// Config holds the loop limits.
type Config struct {
	// MaxConcurrency bounds each wave and the executor pool.
	MaxConcurrency int
	// MaxIterations is the round budget.
	MaxIterations int
	// EnableReplanning allows a Continue verdict to start another round.
	EnableReplanning bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   DefaultMaxConcurrency,
		MaxIterations:    DefaultMaxIterations,
		EnableReplanning: true,
	}
}

// RequiredConfig contains the collaborators an Engine cannot run without.
type RequiredConfig struct {
	Planner Planner
	Joiner  Joiner
	// Tools executes task tool calls.
	Tools executor.ToolExecutor
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

type engineOptions struct {
	config   Config
	llm      llm.Completer
	prompts  prompts.Lookup
	recorder Recorder
	events   *EventEmitter
	logger   *zap.Logger
	tracer   trace.Tracer
}

// WithConfig replaces the loop limits. Zero limits take the defaults.
func WithConfig(c Config) Option {
	return func(o *engineOptions) { o.config = c }
}

// WithMaxConcurrency sets the wave size and pool capacity.
func WithMaxConcurrency(n int) Option {
	return func(o *engineOptions) { o.config.MaxConcurrency = n }
}

// WithMaxIterations sets the round budget.
func WithMaxIterations(n int) Option {
	return func(o *engineOptions) { o.config.MaxIterations = n }
}

// WithReplanning enables or disables replanning after a Continue verdict.
func WithReplanning(enabled bool) Option {
	return func(o *engineOptions) { o.config.EnableReplanning = enabled }
}

// WithLLM sets the model used for the final response.
func WithLLM(c llm.Completer) Option {
	return func(o *engineOptions) { o.llm = c }
}

// WithPromptLookup sets where the response template is looked up.
func WithPromptLookup(l prompts.Lookup) Option {
	return func(o *engineOptions) { o.prompts = l }
}

// WithRecorder sets where finished workflows are stored.
func WithRecorder(r Recorder) Option {
	return func(o *engineOptions) { o.recorder = r }
}

// WithEvents sets where progress events are emitted.
func WithEvents(em *EventEmitter) Option {
	return func(o *engineOptions) { o.events = em }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithTracer sets the tracer for workflow, round and wave spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}
