package compiler

import (
	"time"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

// CalculateEfficiencyMetrics derives the end-of-run metrics from a summary.
// Average parallelism is tasks per round capped at maxConcurrency, and
// utilization is that parallelism as a share of maxConcurrency.
func CalculateEfficiencyMetrics(s models.ExecutionSummary, maxConcurrency int) models.EfficiencyMetrics {
	var m models.EfficiencyMetrics
	if s.TotalTasks > 0 {
		m.TaskSuccessRate = float64(s.SuccessfulTasks) / float64(s.TotalTasks)
	}
	if s.SuccessfulTasks > 0 {
		m.AverageTaskDuration = s.TotalDuration / time.Duration(s.SuccessfulTasks)
	}

	rounds := s.Rounds
	if rounds <= 0 {
		rounds = s.ReplanningCount + 1
	}
	m.AverageParallelism = float64(s.TotalTasks) / float64(rounds)
	if maxConcurrency > 0 {
		m.AverageParallelism = min(m.AverageParallelism, float64(maxConcurrency))
		m.ResourceUtilization = min(m.AverageParallelism/float64(maxConcurrency), 1.0)
	}
	return m
}
