// Package fetcher implements the task fetching unit: the single source of
// truth for task readiness within a planning round.
package fetcher

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/graph"
	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

// ErrStaleResult is returned when a result arrives for a task that is not
// currently executing, e.g. after cancellation or reset.
var ErrStaleResult = errors.New("stale task result")

// Unit tracks per-task state for the plan of the current round.
// Readiness is recomputed incrementally on each completion.
type Unit struct {
	// mu protects all mutable fields.
	mu sync.Mutex
	// plan is the graph loaded by InitializePlan.
	plan *models.TaskGraph
	// graph holds validated edges and the reverse dependency index.
	graph *graph.DependencyGraph
	// states maps task ID to its mutable state.
	states map[string]*models.TaskState
	// position maps task ID to its plan order, used as the ready tie-break.
	position map[string]int
	// ready holds IDs of Ready tasks that have not been claimed.
	ready []string
	// results holds the result for every task that reached Completed or Failed.
	results map[string]models.TaskExecutionResult
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an empty fetching unit.
func New(logger *zap.Logger) *Unit {
	return &Unit{
		graph:    graph.New(),
		states:   make(map[string]*models.TaskState),
		position: make(map[string]int),
		results:  make(map[string]models.TaskExecutionResult),
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// InitializePlan resets the unit and loads a new plan. Every node starts
// Waiting; nodes with no dependencies are promoted to Ready immediately.
// Fails on duplicate IDs, unknown dependencies, or cycles.
func (u *Unit) InitializePlan(plan *models.TaskGraph) error {
	if plan == nil {
		return fmt.Errorf("initialize plan: nil plan")
	}

	g := graph.New()
	g.SetDebugLog(logging.DebugFunc(u.logger))
	if err := g.Build(plan.Nodes); err != nil {
		return fmt.Errorf("initialize plan: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.plan = plan
	u.graph = g
	u.states = make(map[string]*models.TaskState, len(plan.Nodes))
	u.position = make(map[string]int, len(plan.Nodes))
	u.results = make(map[string]models.TaskExecutionResult, len(plan.Nodes))
	u.ready = nil

	now := u.now()
	for i, node := range plan.Nodes {
		state := &models.TaskState{TaskID: node.ID, Status: models.TaskStatusWaiting}
		u.states[node.ID] = state
		u.position[node.ID] = i
		if len(g.GetDependencies(node.ID)) == 0 {
			u.promoteLocked(state, now)
		}
	}

	u.logger.Debug("plan initialized",
		zap.String("plan_id", plan.ID),
		zap.Int("round", plan.Round),
		zap.Int("tasks", len(plan.Nodes)),
		zap.Int("ready", len(u.ready)),
	)
	return nil
}

// FetchReadyTasks claims up to limit Ready tasks, moving them to Executing
// in the same critical section. Lower priority values go first, then plan
// order. Returns an empty slice when nothing is Ready.
func (u *Unit) FetchReadyTasks(limit int) []*models.TaskNode {
	u.mu.Lock()
	defer u.mu.Unlock()

	if limit <= 0 || len(u.ready) == 0 {
		return nil
	}

	sort.SliceStable(u.ready, func(i, j int) bool {
		a, b := u.graph.GetTask(u.ready[i]), u.graph.GetTask(u.ready[j])
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return u.position[a.ID] < u.position[b.ID]
	})

	n := min(limit, len(u.ready))
	claimed := make([]*models.TaskNode, 0, n)
	now := u.now()
	for _, id := range u.ready[:n] {
		if err := u.states[id].Transition(models.TaskStatusExecuting, now); err != nil {
			// Ready queue and state table disagree; drop the entry.
			u.logger.Warn("skipping unclaimable task", zap.String("task_id", id), zap.Error(err))
			continue
		}
		claimed = append(claimed, u.graph.GetTask(id))
	}
	u.ready = append([]string(nil), u.ready[n:]...)

	return claimed
}

// CompleteTask records a result and promotes Waiting dependents whose
// dependencies are now all Completed. A Failed task leaves its dependents
// Waiting.
func (u *Unit) CompleteTask(result models.TaskExecutionResult) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	state, ok := u.states[result.TaskID]
	if !ok {
		return fmt.Errorf("%w: unknown task %s", ErrStaleResult, result.TaskID)
	}
	if state.Status != models.TaskStatusExecuting {
		return fmt.Errorf("%w: task %s is %s", ErrStaleResult, result.TaskID, state.Status)
	}

	next := models.TaskStatusFailed
	if result.Status == models.TaskStatusCompleted {
		next = models.TaskStatusCompleted
	}
	now := u.now()
	if err := state.Transition(next, now); err != nil {
		return err
	}
	result.Status = next
	u.results[result.TaskID] = result

	if next != models.TaskStatusCompleted {
		u.logger.Debug("task failed, dependents stay waiting",
			zap.String("task_id", result.TaskID),
			zap.Strings("dependents", u.graph.GetDependents(result.TaskID)),
		)
		return nil
	}

	for _, depID := range u.graph.GetDependents(result.TaskID) {
		dependent := u.states[depID]
		if dependent.Status != models.TaskStatusWaiting {
			continue
		}
		if u.dependenciesCompletedLocked(depID) {
			u.promoteLocked(dependent, now)
		}
	}
	return nil
}

// HasPendingTasks returns true if any task is Waiting, Ready, or Executing.
func (u *Unit) HasPendingTasks() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, state := range u.states {
		if !state.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// CancelPendingTasks moves every non-terminal task to Cancelled and returns
// how many were cancelled.
func (u *Unit) CancelPendingTasks() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	cancelled := 0
	for _, state := range u.states {
		if state.Status.IsTerminal() {
			continue
		}
		if err := state.Transition(models.TaskStatusCancelled, now); err == nil {
			cancelled++
		}
	}
	u.ready = nil

	if cancelled > 0 {
		u.logger.Info("cancelled pending tasks", zap.Int("count", cancelled))
	}
	return cancelled
}

// ExecutionStats returns a snapshot count per status.
func (u *Unit) ExecutionStats() models.ExecutionStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	var stats models.ExecutionStats
	for _, state := range u.states {
		switch state.Status {
		case models.TaskStatusWaiting:
			stats.Waiting++
		case models.TaskStatusReady:
			stats.Ready++
		case models.TaskStatusExecuting:
			stats.Executing++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		case models.TaskStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Lookup returns the result of a Completed task.
func (u *Unit) Lookup(taskID string) (models.TaskExecutionResult, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	result, ok := u.results[taskID]
	if !ok || result.Status != models.TaskStatusCompleted {
		return models.TaskExecutionResult{}, false
	}
	return result, true
}

// State returns a copy of the task's current state.
func (u *Unit) State(taskID string) (models.TaskState, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	state, ok := u.states[taskID]
	if !ok {
		return models.TaskState{}, false
	}
	return *state, true
}

// Plan returns the currently loaded plan.
func (u *Unit) Plan() *models.TaskGraph {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.plan
}

// StalledTasks returns IDs of Waiting tasks that can never become Ready
// because some ancestor Failed or was Cancelled, in plan order.
func (u *Unit) StalledTasks() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	memo := make(map[string]bool, len(u.states))
	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		for _, depID := range u.graph.GetDependencies(id) {
			switch u.states[depID].Status {
			case models.TaskStatusFailed, models.TaskStatusCancelled:
				memo[id] = true
			case models.TaskStatusWaiting:
				if blocked(depID) {
					memo[id] = true
				}
			}
			if memo[id] {
				break
			}
		}
		return memo[id]
	}

	var stalled []string
	for _, id := range u.graph.IDs() {
		if u.states[id].Status == models.TaskStatusWaiting && blocked(id) {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// promoteLocked moves a Waiting task to Ready and queues it.
func (u *Unit) promoteLocked(state *models.TaskState, now time.Time) {
	if err := state.Transition(models.TaskStatusReady, now); err != nil {
		return
	}
	u.ready = append(u.ready, state.TaskID)
}

// dependenciesCompletedLocked reports whether every dependency of id is Completed.
func (u *Unit) dependenciesCompletedLocked(id string) bool {
	for _, depID := range u.graph.GetDependencies(id) {
		if u.states[depID].Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}
