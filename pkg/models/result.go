package models

import "time"

// ToolResult is what a tool implementation returns for one invocation.
type ToolResult struct {
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TaskExecutionResult is the immutable outcome of executing one task.
type TaskExecutionResult struct {
	// TaskID is the ID of the executed task.
	TaskID string `json:"task_id"`
	// Status is either TaskStatusCompleted or TaskStatusFailed.
	Status TaskStatus `json:"status"`
	// Outputs holds named results from the tool.
	Outputs map[string]any `json:"outputs,omitempty"`
	// Error contains the failure reason, if any.
	Error string `json:"error,omitempty"`
	// Duration is the wall time spent in the tool call.
	Duration time.Duration `json:"duration"`
	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
	// Metadata carries execution details such as tool name and round.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Succeeded returns true if the task completed.
func (r TaskExecutionResult) Succeeded() bool {
	return r.Status == TaskStatusCompleted
}

// ExecutionStats is a snapshot count of task states.
type ExecutionStats struct {
	Waiting   int `json:"waiting"`
	Ready     int `json:"ready"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of tasks across all states.
func (s ExecutionStats) Total() int {
	return s.Waiting + s.Ready + s.Executing + s.Completed + s.Failed + s.Cancelled
}

// Pending returns the number of tasks that have not been claimed yet.
func (s ExecutionStats) Pending() int {
	return s.Waiting + s.Ready
}

// EfficiencyMetrics are derived once at the end of a workflow.
type EfficiencyMetrics struct {
	AverageParallelism  float64       `json:"average_parallelism"`
	ResourceUtilization float64       `json:"resource_utilization"`
	TaskSuccessRate     float64       `json:"task_success_rate"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
}

// ExecutionSummary accumulates counts across rounds.
type ExecutionSummary struct {
	TotalTasks      int `json:"total_tasks"`
	SuccessfulTasks int `json:"successful_tasks"`
	FailedTasks     int `json:"failed_tasks"`
	// TotalDuration is the sum of task durations.
	TotalDuration time.Duration `json:"total_duration"`
	// WallTime is the elapsed time of the whole workflow.
	WallTime        time.Duration     `json:"wall_time"`
	Rounds          int               `json:"rounds"`
	ReplanningCount int               `json:"replanning_count"`
	KeyFindings     []string          `json:"key_findings,omitempty"`
	Efficiency      EfficiencyMetrics `json:"efficiency_metrics"`
}

// Record adds a round's results to the summary.
func (s *ExecutionSummary) Record(results []TaskExecutionResult) {
	for _, r := range results {
		s.TotalTasks++
		switch r.Status {
		case TaskStatusCompleted:
			s.SuccessfulTasks++
			s.TotalDuration += r.Duration
		case TaskStatusFailed:
			s.FailedTasks++
			s.TotalDuration += r.Duration
		}
	}
}

// AddFinding appends a line to the decision log.
func (s *ExecutionSummary) AddFinding(finding string) {
	if finding == "" {
		return
	}
	s.KeyFindings = append(s.KeyFindings, finding)
}
