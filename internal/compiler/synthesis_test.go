package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

func sampleResults() ([]models.TaskExecutionResult, models.ExecutionSummary) {
	results := []models.TaskExecutionResult{
		{TaskID: "dns", Status: models.TaskStatusCompleted, Outputs: map[string]any{"result": "93.184.216.34"}},
		{TaskID: "scan", Status: models.TaskStatusCompleted, Outputs: map[string]any{"open_ports": []any{float64(80), float64(443)}}, Metadata: map[string]any{"tool_name": "port_scan"}},
		{TaskID: "probe", Status: models.TaskStatusFailed, Error: "timed out"},
	}
	var s models.ExecutionSummary
	s.Record(results)
	s.Rounds = 1
	s.AddFinding("scan: 2 open ports (80, 443)")
	return results, s
}

func TestDefaultResponse(t *testing.T) {
	results, summary := sampleResults()
	out := DefaultResponse(results, summary)

	for _, want := range []string{
		"Execution finished.",
		"- Total tasks: 3",
		"- Failed tasks: 1",
		"- dns: 93.184.216.34",
		"- scan: completed",
		"- probe: failed: timed out",
		"- scan: 2 open ports (80, 443)",
		"Some tasks failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("DefaultResponse missing %q:\n%s", want, out)
		}
	}
}

func TestDefaultResponseWithoutResults(t *testing.T) {
	out := DefaultResponse(nil, models.ExecutionSummary{})
	if !strings.Contains(out, "No results available.") {
		t.Errorf("DefaultResponse = %q", out)
	}
}

func TestSynthesize(t *testing.T) {
	results, summary := sampleResults()

	tests := []struct {
		name     string
		llm      llm.Completer
		fallback bool
	}{
		{"model answer", reply("report", nil), false},
		{"empty answer", reply("  \n", nil), true},
		{"model error", reply("", context.DeadlineExceeded), true},
		{"no model", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(RequiredConfig{}, WithLLM(tt.llm))
			got := e.synthesize(context.Background(), "objective", results, summary)
			if tt.fallback && !strings.HasPrefix(got, "Execution finished.") {
				t.Errorf("synthesize = %q, want fallback", got)
			}
			if !tt.fallback && got != "report" {
				t.Errorf("synthesize = %q, want model answer", got)
			}
		})
	}
}

func TestSynthesizeUsesConfiguredTemplate(t *testing.T) {
	results, summary := sampleResults()
	var prompt string
	completer := llm.CompleterFunc(func(_ context.Context, _, user string) (string, error) {
		prompt = user
		return "ok", nil
	})
	lookup := prompts.MapLookup{
		prompts.Key(prompts.ArchLLMCompiler, prompts.StageExecution): "Q: {user_query}\n{{TASK_OUTPUTS}}",
	}
	e := New(RequiredConfig{}, WithLLM(completer), WithPromptLookup(lookup))

	e.synthesize(context.Background(), "map example.com", results, summary)
	if !strings.HasPrefix(prompt, "Q: map example.com\n") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "### scan (port_scan)\n  - open_ports: [80, 443]") {
		t.Errorf("prompt missing formatted outputs:\n%s", prompt)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"text", "text"},
		{float64(8080), "8080"},
		{1.5, "1.5"},
		{true, "true"},
		{nil, "null"},
		{[]any{"a", "b"}, "[a, b]"},
		{[]any{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}, "[6 items]"},
		{[]string{"x"}, "[x]"},
		{map[string]any{"k": "v"}, "[object]"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
