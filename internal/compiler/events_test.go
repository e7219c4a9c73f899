package compiler

import (
	"context"
	"testing"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

func TestExecuteWorkflowEmitsEvents(t *testing.T) {
	p := staticPlanner(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"))
	j := always(models.Complete("", "enough", 0.9))
	failing := toolFunc(func(context.Context, string, map[string]any) models.ToolResult {
		return models.ToolResult{Error: "refused"}
	})

	em := NewEventEmitter(64, nil)
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: failing}, WithEvents(em))

	result, err := engine.ExecuteWorkflow(context.Background(), "assess", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	em.Close()

	counts := make(map[EventType]int)
	var last Event
	for ev := range em.Events() {
		counts[ev.Type]++
		if ev.RunID != result.RunID {
			t.Errorf("event %s has run id %q, want %q", ev.Type, ev.RunID, result.RunID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %s has no timestamp", ev.Type)
		}
		last = ev
	}

	if counts[EventRoundStarted] != 1 {
		t.Errorf("round_started = %d, want 1", counts[EventRoundStarted])
	}
	// Only "a" is ever ready; its failure stalls the rest of the diamond.
	if counts[EventWaveStarted] != 1 || counts[EventTaskFailed] != 1 {
		t.Errorf("counts = %v, want one wave with one failed task", counts)
	}
	if counts[EventDecision] != 1 {
		t.Errorf("decision = %d, want 1", counts[EventDecision])
	}
	if last.Type != EventWorkflowDone {
		t.Errorf("last event = %s, want workflow_done", last.Type)
	}
	if em.DroppedCount() != 0 {
		t.Errorf("dropped %d events", em.DroppedCount())
	}
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	em := NewEventEmitter(1, nil)
	em.Emit(Event{Type: EventWaveStarted})
	em.Emit(Event{Type: EventWaveStarted})

	if em.DroppedCount() != 1 {
		t.Errorf("DroppedCount = %d, want 1", em.DroppedCount())
	}
	ev := <-em.Events()
	if ev.Type != EventWaveStarted {
		t.Errorf("event = %+v", ev)
	}
}

func TestTaskEvent(t *testing.T) {
	ok := taskEvent("run", 2, 3, models.TaskExecutionResult{
		TaskID:   "scan",
		Status:   models.TaskStatusCompleted,
		Metadata: map[string]any{"tool_name": "port_scan"},
	})
	if ok.Type != EventTaskCompleted || ok.Tool != "port_scan" || ok.Round != 2 || ok.Wave != 3 {
		t.Errorf("completed event = %+v", ok)
	}

	failed := taskEvent("run", 1, 1, models.TaskExecutionResult{TaskID: "x", Status: models.TaskStatusFailed, Error: "boom"})
	if failed.Type != EventTaskFailed || failed.Error != "boom" {
		t.Errorf("failed event = %+v", failed)
	}
}
