package compiler

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/logging"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventRoundStarted indicates a plan was accepted and its round begins.
	EventRoundStarted EventType = "round_started"
	// EventWaveStarted indicates a wave of ready tasks was dispatched.
	EventWaveStarted EventType = "wave_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventDecision carries the joiner verdict for a round.
	EventDecision EventType = "decision"
	// EventPlanningFailed indicates the planner could not produce a usable graph.
	EventPlanningFailed EventType = "planning_failed"
	// EventWorkflowDone indicates the workflow finished.
	EventWorkflowDone EventType = "workflow_done"
)

// Event represents something observable that happened during a workflow.
type Event struct {
	Type   EventType
	RunID  string
	Round  int
	Wave   int
	TaskID string
	Tool   string
	// Tasks is the plan size for round events and the wave size for wave events.
	Tasks int
	// Message provides additional context, e.g. the joiner's reasoning.
	Message string
	// Error contains failure details for failure events.
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// EventEmitter delivers events to one subscriber without blocking the
// engine for long.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *zap.Logger
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *zap.Logger) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logging.OrNop(logger),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping events",
				zap.Uint64("dropped", count),
				zap.String("type", string(event.Type)),
			)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call it after the last workflow using
// the emitter has returned.
func (e *EventEmitter) Close() {
	close(e.events)
}

// emit is a no-op when no emitter is configured.
func (e *Engine) emit(event Event) {
	if e.events == nil {
		return
	}
	e.events.Emit(event)
}
