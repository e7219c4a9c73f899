package compiler

import (
	"testing"
	"time"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

func TestCalculateEfficiencyMetrics(t *testing.T) {
	tests := []struct {
		name           string
		summary        models.ExecutionSummary
		maxConcurrency int
		parallelism    float64
		utilization    float64
		successRate    float64
		avgDuration    time.Duration
	}{
		{
			name:           "six tasks over two rounds",
			summary:        models.ExecutionSummary{TotalTasks: 6, SuccessfulTasks: 6, Rounds: 2, TotalDuration: 12 * time.Second},
			maxConcurrency: 4,
			parallelism:    3.0,
			utilization:    0.75,
			successRate:    1.0,
			avgDuration:    2 * time.Second,
		},
		{
			name:           "parallelism capped at capacity",
			summary:        models.ExecutionSummary{TotalTasks: 20, SuccessfulTasks: 10, FailedTasks: 10, Rounds: 1, TotalDuration: 10 * time.Second},
			maxConcurrency: 4,
			parallelism:    4.0,
			utilization:    1.0,
			successRate:    0.5,
			avgDuration:    time.Second,
		},
		{
			name:           "rounds derived from replanning count",
			summary:        models.ExecutionSummary{TotalTasks: 4, SuccessfulTasks: 2, ReplanningCount: 1},
			maxConcurrency: 10,
			parallelism:    2.0,
			utilization:    0.2,
			successRate:    0.5,
		},
		{
			name:           "empty run",
			maxConcurrency: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := CalculateEfficiencyMetrics(tt.summary, tt.maxConcurrency)
			if m.AverageParallelism != tt.parallelism {
				t.Errorf("AverageParallelism = %v, want %v", m.AverageParallelism, tt.parallelism)
			}
			if m.ResourceUtilization != tt.utilization {
				t.Errorf("ResourceUtilization = %v, want %v", m.ResourceUtilization, tt.utilization)
			}
			if m.TaskSuccessRate != tt.successRate {
				t.Errorf("TaskSuccessRate = %v, want %v", m.TaskSuccessRate, tt.successRate)
			}
			if m.AverageTaskDuration != tt.avgDuration {
				t.Errorf("AverageTaskDuration = %v, want %v", m.AverageTaskDuration, tt.avgDuration)
			}
		})
	}
}
