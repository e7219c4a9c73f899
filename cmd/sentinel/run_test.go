package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/sentinel/internal/compiler"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

func TestParseContext(t *testing.T) {
	got, err := parseContext([]string{
		"target=example.com",
		"ports=[22,443]",
		"deep=true",
		"depth=3",
		"note=a=b",
		"empty=",
	})
	if err != nil {
		t.Fatalf("parseContext: %v", err)
	}

	if got["target"] != "example.com" {
		t.Errorf("target = %#v", got["target"])
	}
	ports, ok := got["ports"].([]any)
	if !ok || len(ports) != 2 || ports[0] != float64(22) {
		t.Errorf("ports = %#v, want decoded array", got["ports"])
	}
	if got["deep"] != true {
		t.Errorf("deep = %#v, want true", got["deep"])
	}
	if got["depth"] != float64(3) {
		t.Errorf("depth = %#v, want 3", got["depth"])
	}
	if got["note"] != "a=b" {
		t.Errorf("note = %#v, want split on first '='", got["note"])
	}
	if got["empty"] != "" {
		t.Errorf("empty = %#v, want empty string", got["empty"])
	}
}

func TestParseContextInvalid(t *testing.T) {
	for _, pair := range []string{"novalue", "=x", " =x"} {
		if _, err := parseContext([]string{pair}); err == nil {
			t.Errorf("parseContext(%q) should fail", pair)
		}
	}
}

func TestParseContextEmpty(t *testing.T) {
	got, err := parseContext(nil)
	if err != nil || got != nil {
		t.Errorf("parseContext(nil) = %v, %v", got, err)
	}
}

func disableColor(t *testing.T) {
	t.Helper()
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })
}

func TestWriteSummary(t *testing.T) {
	disableColor(t)

	result := &models.WorkflowExecutionResult{
		RunID:    "run-1",
		Success:  true,
		Response: "Found 2 open ports.\n",
		ExecutionSummary: models.ExecutionSummary{
			TotalTasks:      3,
			SuccessfulTasks: 2,
			FailedTasks:     1,
			Rounds:          2,
			ReplanningCount: 1,
			WallTime:        1500 * time.Millisecond,
		},
		EfficiencyMetrics: models.EfficiencyMetrics{AverageParallelism: 1.5, ResourceUtilization: 0.15},
		TaskResults: []models.TaskExecutionResult{
			{TaskID: "retry", Status: models.TaskStatusCompleted, Metadata: map[string]any{"round": 2}},
			{TaskID: "scan", Status: models.TaskStatusCompleted, Metadata: map[string]any{"round": 1}},
			{TaskID: "probe", Status: models.TaskStatusFailed, Error: "timeout", Metadata: map[string]any{"round": 1}},
		},
	}

	var buf bytes.Buffer
	writeSummary(&buf, result)
	out := buf.String()

	for _, want := range []string{
		"✓ Workflow run-1 completed",
		"Found 2 open ports.",
		"Rounds:      2 (1 replans)",
		"3 total, 2 succeeded, 1 failed",
		"Wall time:   1.5s",
		"1.50 (15% utilization)",
		"✗ [r1] probe failed: timeout",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "[r1] scan") > strings.Index(out, "[r2] retry") {
		t.Errorf("tasks should be ordered by round:\n%s", out)
	}
}

func TestWriteSummaryFailure(t *testing.T) {
	disableColor(t)

	var buf bytes.Buffer
	writeSummary(&buf, &models.WorkflowExecutionResult{RunID: "run-2", Error: "execution cancelled"})
	if !strings.Contains(buf.String(), "✗ Workflow run-2 execution cancelled") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "Tasks\n") {
		t.Error("task section should be omitted without results")
	}
}

func TestRoundOf(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want int
	}{
		{"int", map[string]any{"round": 3}, 3},
		{"decoded json", map[string]any{"round": float64(2)}, 2},
		{"missing", nil, 0},
		{"wrong type", map[string]any{"round": "1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roundOf(models.TaskExecutionResult{Metadata: tt.meta}); got != tt.want {
				t.Errorf("roundOf = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, &models.WorkflowExecutionResult{RunID: "run-3", Success: true}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["run_id"] != "run-3" || decoded["success"] != true {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestWriteEvent(t *testing.T) {
	disableColor(t)

	tests := []struct {
		ev   compiler.Event
		want string
	}{
		{compiler.Event{Type: compiler.EventRoundStarted, Round: 2, Tasks: 3}, "● round 2: 3 tasks planned"},
		{compiler.Event{Type: compiler.EventWaveStarted, Wave: 1, Tasks: 2}, "wave 1: 2 tasks"},
		{compiler.Event{Type: compiler.EventTaskCompleted, TaskID: "scan", Tool: "port_scan", Duration: 1200 * time.Millisecond}, "✓ scan (port_scan, 1.2s)"},
		{compiler.Event{Type: compiler.EventTaskFailed, TaskID: "probe", Error: "timeout"}, "✗ probe: timeout"},
		{compiler.Event{Type: compiler.EventDecision, Message: "complete: enough data"}, "→ complete: enough data"},
		{compiler.Event{Type: compiler.EventPlanningFailed, Round: 1, Error: "empty plan"}, "round 1 planning failed: empty plan"},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Type), func(t *testing.T) {
			var buf bytes.Buffer
			writeEvent(&buf, tt.ev)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("writeEvent = %q, want %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	writeEvent(&buf, compiler.Event{Type: compiler.EventWorkflowDone})
	if buf.Len() != 0 {
		t.Errorf("workflow_done should print nothing, got %q", buf.String())
	}
}
