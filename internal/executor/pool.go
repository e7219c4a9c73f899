// Package executor runs ready tasks with bounded concurrency.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

// ToolExecutor dispatches one tool call. Implementations own per-call
// timeouts and must report failures in the result rather than panicking.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) models.ToolResult
}

// Metrics are running counters for the pool.
type Metrics struct {
	TotalExecutions      int           `json:"total_executions"`
	SuccessfulExecutions int           `json:"successful_executions"`
	FailedExecutions     int           `json:"failed_executions"`
	TotalDuration        time.Duration `json:"total_duration"`
	CurrentConcurrency   int           `json:"current_concurrency"`
	PeakConcurrency      int           `json:"peak_concurrency"`
}

// Pool executes tasks against a ToolExecutor with at most maxConcurrency
// tool calls in flight.
type Pool struct {
	tools          ToolExecutor
	maxConcurrency int
	sem            *semaphore.Weighted
	inUse          atomic.Int64
	logger         *zap.Logger
	now            func() time.Time

	mu      sync.Mutex
	metrics Metrics
}

// New creates a pool. maxConcurrency below 1 is treated as 1.
func New(tools ToolExecutor, maxConcurrency int, logger *zap.Logger) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Pool{
		tools:          tools,
		maxConcurrency: maxConcurrency,
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		logger:         logging.OrNop(logger),
		now:            time.Now,
	}
}

// MaxConcurrency returns the fixed capacity of the pool.
func (p *Pool) MaxConcurrency() int {
	return p.maxConcurrency
}

// AvailablePermits returns the number of tool calls that could start now.
func (p *Pool) AvailablePermits() int {
	return p.maxConcurrency - int(p.inUse.Load())
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.CurrentConcurrency = int(p.inUse.Load())
	return m
}

// ExecuteWave runs every node concurrently and waits for all of them. The
// pool semaphore bounds tool calls across all waves sharing the pool.
// Results are returned in input order. One task's failure never affects its
// siblings.
func (p *Pool) ExecuteWave(ctx context.Context, nodes []*models.TaskNode, refs *Resolver) []models.TaskExecutionResult {
	results := make([]models.TaskExecutionResult, len(nodes))

	var g errgroup.Group
	for i, node := range nodes {
		g.Go(func() error {
			results[i] = p.ExecuteTask(ctx, node, refs)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExecuteTask resolves the node's dependency references, dispatches it to the
// tool executor, and wraps the outcome. Every failure mode, including a
// panicking tool, becomes a Failed result.
func (p *Pool) ExecuteTask(ctx context.Context, node *models.TaskNode, refs *Resolver) models.TaskExecutionResult {
	start := p.now()
	result := models.TaskExecutionResult{
		TaskID:    node.ID,
		StartedAt: start,
		Metadata: map[string]any{
			"tool_name":         node.ToolName,
			"concurrency_level": p.maxConcurrency,
		},
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.finish(result, nil, fmt.Errorf("acquire execution permit: %w", err))
	}
	current := p.inUse.Add(1)
	p.recordConcurrency(int(current))
	defer func() {
		p.inUse.Add(-1)
		p.sem.Release(1)
	}()

	if refs == nil {
		refs = NewResolver(nil, nil)
	}
	args, err := refs.ResolveArguments(node.Arguments)
	if err != nil {
		p.logger.Warn("dependency resolution failed", zap.String("task_id", node.ID), zap.Error(err))
		return p.finish(result, nil, err)
	}

	p.logger.Debug("executing task",
		zap.String("task_id", node.ID),
		zap.String("tool", node.ToolName),
		zap.Int64("in_flight", current),
	)

	toolResult, err := p.call(ctx, node.ToolName, args)
	if err == nil && !toolResult.Success {
		msg := toolResult.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		err = fmt.Errorf("tool %s: %s", node.ToolName, msg)
	}
	return p.finish(result, toolResult.Outputs, err)
}

// call invokes the tool, converting a panic into an error.
func (p *Pool) call(ctx context.Context, name string, args map[string]any) (res models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	if p.tools == nil {
		return models.ToolResult{}, fmt.Errorf("no tool executor configured")
	}
	return p.tools.Execute(ctx, name, args), nil
}

func (p *Pool) finish(result models.TaskExecutionResult, outputs map[string]any, err error) models.TaskExecutionResult {
	result.CompletedAt = p.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Outputs = make(map[string]any, len(outputs))
	for k, v := range outputs {
		result.Outputs[k] = v
	}

	if err != nil {
		result.Status = models.TaskStatusFailed
		result.Error = err.Error()
	} else {
		result.Status = models.TaskStatusCompleted
	}

	p.mu.Lock()
	p.metrics.TotalExecutions++
	p.metrics.TotalDuration += result.Duration
	if err != nil {
		p.metrics.FailedExecutions++
	} else {
		p.metrics.SuccessfulExecutions++
	}
	p.mu.Unlock()

	return result
}

func (p *Pool) recordConcurrency(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current > p.metrics.PeakConcurrency {
		p.metrics.PeakConcurrency = current
	}
}
