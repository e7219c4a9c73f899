package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

const synthesisSystemPrompt = "You are a security analyst writing the final report for an automated assessment."

// defaultSynthesisPrompt is used when no execution template is configured.
// Placeholders: {{USER_QUERY}}, {{EXECUTION_STATS}}, {{TASK_OUTPUTS}},
// {{KEY_FINDINGS}}, {{FAILURE_NOTE}}.
const defaultSynthesisPrompt = `Write a complete, accurate report answering the user's query from the workflow results below.

User query:
{{USER_QUERY}}

Execution statistics:
{{EXECUTION_STATS}}

Task outputs:
{{TASK_OUTPUTS}}

Key findings:
{{KEY_FINDINGS}}
{{FAILURE_NOTE}}`

const maxInlineItems = 5

// synthesize asks the model for the final response and falls back to
// DefaultResponse when there is nothing to report or the call fails.
func (e *Engine) synthesize(ctx context.Context, objective string, results []models.TaskExecutionResult, summary models.ExecutionSummary) string {
	if e.llm == nil || summary.SuccessfulTasks == 0 {
		return DefaultResponse(results, summary)
	}

	template := prompts.Resolve(ctx, e.prompts, e.logger, prompts.ArchLLMCompiler, prompts.StageExecution, defaultSynthesisPrompt)
	prompt := prompts.Apply(template, map[string]string{
		"USER_QUERY":      objective,
		"ORIGINAL_QUERY":  objective,
		"EXECUTION_STATS": formatStats(summary),
		"TASK_OUTPUTS":    formatOutputs(results),
		"KEY_FINDINGS":    formatList(summary.KeyFindings, "(none)"),
		"FAILURE_NOTE":    failureNote(summary),
	})

	response, err := e.llm.Complete(ctx, synthesisSystemPrompt, prompt)
	if err != nil {
		e.logger.Warn("response synthesis failed, using default response", zap.Error(err))
		return DefaultResponse(results, summary)
	}
	if strings.TrimSpace(response) == "" {
		e.logger.Warn("response synthesis returned empty text, using default response")
		return DefaultResponse(results, summary)
	}
	return response
}

// DefaultResponse renders a report from the summary and results alone.
func DefaultResponse(results []models.TaskExecutionResult, summary models.ExecutionSummary) string {
	var sb strings.Builder
	sb.WriteString("Execution finished.\n\n")
	sb.WriteString("Statistics:\n")
	sb.WriteString(formatStats(summary))
	sb.WriteString("\nResults:\n")

	var lines []string
	for _, r := range results {
		switch {
		case r.Succeeded():
			if v, ok := r.Outputs["result"]; ok {
				lines = append(lines, fmt.Sprintf("%s: %s", r.TaskID, formatValue(v)))
			} else {
				lines = append(lines, r.TaskID+": completed")
			}
		case r.Status == models.TaskStatusFailed:
			msg := r.Error
			if msg == "" {
				msg = "unknown error"
			}
			lines = append(lines, fmt.Sprintf("%s: failed: %s", r.TaskID, msg))
		}
	}
	sb.WriteString(formatList(lines, "No results available."))

	if len(summary.KeyFindings) > 0 {
		sb.WriteString("\nKey findings:\n")
		sb.WriteString(formatList(summary.KeyFindings, ""))
	}

	sb.WriteString("\n")
	if summary.FailedTasks > 0 {
		sb.WriteString("Some tasks failed; check their inputs or network connectivity.\n")
	} else if summary.SuccessfulTasks > 0 {
		sb.WriteString("All tasks completed successfully.\n")
	}
	return sb.String()
}

func formatStats(s models.ExecutionSummary) string {
	rate := 0.0
	if s.TotalTasks > 0 {
		rate = float64(s.SuccessfulTasks) / float64(s.TotalTasks) * 100
	}
	return fmt.Sprintf("- Total tasks: %d\n- Successful tasks: %d\n- Failed tasks: %d\n- Rounds: %d\n- Task time: %v\n- Success rate: %.1f%%\n",
		s.TotalTasks, s.SuccessfulTasks, s.FailedTasks, s.Rounds, s.TotalDuration.Round(time.Millisecond), rate)
}

func failureNote(s models.ExecutionSummary) string {
	if s.FailedTasks == 0 {
		return ""
	}
	return fmt.Sprintf("\n%d tasks failed during execution. Explain the likely causes and their impact on the results.\n", s.FailedTasks)
}

func formatOutputs(results []models.TaskExecutionResult) string {
	var sections []string
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		keys := make([]string, 0, len(r.Outputs))
		for k := range r.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		fmt.Fprintf(&sb, "### %s", r.TaskID)
		if tool, ok := r.Metadata["tool_name"].(string); ok && tool != "" {
			fmt.Fprintf(&sb, " (%s)", tool)
		}
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n  - %s: %s", k, formatValue(r.Outputs[k]))
		}
		sections = append(sections, sb.String())
	}
	if len(sections) == 0 {
		return "(no successful task outputs)"
	}
	return strings.Join(sections, "\n\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case []any:
		if len(val) > maxInlineItems {
			return fmt.Sprintf("[%d items]", len(val))
		}
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return formatValue(items)
	case map[string]any:
		return "[object]"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}

func formatList(items []string, empty string) string {
	if len(items) == 0 {
		if empty == "" {
			return ""
		}
		return empty + "\n"
	}
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString("- ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return sb.String()
}
