package models

// DecisionKind tags a joiner verdict.
type DecisionKind string

const (
	// DecisionComplete ends the workflow.
	DecisionComplete DecisionKind = "complete"
	// DecisionContinue triggers another planning round.
	DecisionContinue DecisionKind = "continue"
)

// JoinerDecision is the verdict at the end of a round.
// Answer is set for Complete, Feedback for Continue.
type JoinerDecision struct {
	Kind       DecisionKind `json:"kind"`
	Answer     string       `json:"answer,omitempty"`
	Feedback   string       `json:"feedback,omitempty"`
	Reasoning  string       `json:"reasoning,omitempty"`
	Confidence float64      `json:"confidence"`
}

// Complete builds a Complete verdict.
func Complete(answer, reasoning string, confidence float64) JoinerDecision {
	return JoinerDecision{Kind: DecisionComplete, Answer: answer, Reasoning: reasoning, Confidence: confidence}
}

// Continue builds a Continue verdict.
func Continue(feedback, reasoning string, confidence float64) JoinerDecision {
	return JoinerDecision{Kind: DecisionContinue, Feedback: feedback, Reasoning: reasoning, Confidence: confidence}
}

// IsComplete returns true if the verdict ends the workflow.
func (d JoinerDecision) IsComplete() bool {
	return d.Kind == DecisionComplete
}

// WorkflowExecutionResult is returned by the engine for one objective.
type WorkflowExecutionResult struct {
	// RunID identifies the workflow run.
	RunID             string                `json:"run_id"`
	Objective         string                `json:"objective"`
	Success           bool                  `json:"success"`
	Response          string                `json:"response"`
	ExecutionSummary  ExecutionSummary      `json:"execution_summary"`
	TaskResults       []TaskExecutionResult `json:"task_results"`
	EfficiencyMetrics EfficiencyMetrics     `json:"efficiency_metrics"`
	Error             string                `json:"error,omitempty"`
}

// EngineStatus is a point-in-time view of the engine.
type EngineStatus struct {
	Running           bool `json:"running"`
	Pending           int  `json:"pending"`
	Executing         int  `json:"executing"`
	Completed         int  `json:"completed"`
	Failed            int  `json:"failed"`
	AvailableCapacity int  `json:"available_capacity"`
	TotalCapacity     int  `json:"total_capacity"`
}
