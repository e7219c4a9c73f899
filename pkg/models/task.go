package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a task status change is not allowed.
var ErrInvalidTransition = errors.New("invalid task status transition")

// TaskStatus represents the current state of a task within one round.
type TaskStatus string

const (
	// TaskStatusWaiting indicates the task has unmet dependencies.
	TaskStatusWaiting TaskStatus = "waiting"
	// TaskStatusReady indicates all dependencies completed and the task is unclaimed.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusExecuting indicates the task was claimed by the executor pool.
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusCompleted indicates the tool call succeeded.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the tool call or argument resolution failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was abandoned by cancellation or reset.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusReady, TaskStatusExecuting,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that allow no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskStatusReady:
		return s == TaskStatusWaiting
	case TaskStatusExecuting:
		return s == TaskStatusReady
	case TaskStatusCompleted, TaskStatusFailed:
		return s == TaskStatusExecuting
	case TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskNode is one planned tool invocation.
type TaskNode struct {
	// ID is unique within a graph.
	ID string `json:"id"`
	// Name is a short human-readable label.
	Name string `json:"name,omitempty"`
	// Description explains what the task is for.
	Description string `json:"description,omitempty"`
	// ToolName identifies the tool the executor dispatches to.
	ToolName string `json:"tool_name"`
	// Arguments maps parameter names to literals or dependency references.
	Arguments map[string]any `json:"arguments,omitempty"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// Priority orders ready tasks; lower values run first.
	Priority int `json:"priority,omitempty"`
	// Tags are free-form labels from the planner.
	Tags []string `json:"tags,omitempty"`
}

// TaskGraph is the planner output for one round.
type TaskGraph struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`
	// ParentID is the ID of the plan this one replaces, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Round is the 1-based round the plan was produced for.
	Round int `json:"round"`
	// Objective is a snapshot of the user objective.
	Objective string `json:"objective"`
	// Nodes are the planned tasks in plan order.
	Nodes []*TaskNode `json:"nodes"`
	// VariableMappings maps "$name" variables to "task.section.key" paths.
	VariableMappings map[string]string `json:"variable_mappings,omitempty"`
	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`
}

// Node returns the node with the given ID, or nil.
func (g *TaskGraph) Node(id string) *TaskNode {
	if g == nil {
		return nil
	}
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Size returns the number of nodes in the graph.
func (g *TaskGraph) Size() int {
	if g == nil {
		return 0
	}
	return len(g.Nodes)
}

// TaskState is the mutable per-task record owned by the fetching unit.
type TaskState struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// Transition moves the state to next, stamping times as it goes.
func (s *TaskState) Transition(next TaskStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, s.TaskID, s.Status, next)
	}
	switch next {
	case TaskStatusExecuting:
		s.AttemptCount++
		started := now
		s.StartedAt = &started
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		done := now
		s.CompletedAt = &done
	}
	s.Status = next
	return nil
}
