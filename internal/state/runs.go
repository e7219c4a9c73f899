package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

// RunRecord is a stored workflow execution.
type RunRecord struct {
	Result    models.WorkflowExecutionResult `json:"result"`
	CreatedAt time.Time                      `json:"created_at"`
}

// RunSummary is the list view of a stored workflow execution.
type RunSummary struct {
	ID              string    `json:"id"`
	Objective       string    `json:"objective"`
	Success         bool      `json:"success"`
	Rounds          int       `json:"rounds"`
	TotalTasks      int       `json:"total_tasks"`
	SuccessfulTasks int       `json:"successful_tasks"`
	FailedTasks     int       `json:"failed_tasks"`
	CreatedAt       time.Time `json:"created_at"`
}

// SaveRun stores a finished workflow and its task results. A missing RunID
// is generated and written back into result.
func (db *DB) SaveRun(ctx context.Context, result *models.WorkflowExecutionResult) error {
	if result.RunID == "" {
		result.RunID = uuid.New().String()
	}
	summary, err := json.Marshal(result.ExecutionSummary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		s := result.ExecutionSummary
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, objective, success, response, error, rounds, total_tasks, successful_tasks, failed_tasks, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, result.RunID, result.Objective, result.Success, result.Response, result.Error,
			s.Rounds, s.TotalTasks, s.SuccessfulTasks, s.FailedTasks, string(summary), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}

		for i, tr := range result.TaskResults {
			outputs, err := json.Marshal(tr.Outputs)
			if err != nil {
				return fmt.Errorf("encode outputs of %s: %w", tr.TaskID, err)
			}
			metadata, err := json.Marshal(tr.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of %s: %w", tr.TaskID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_results (run_id, seq, task_id, status, outputs, error, duration_ms, started_at, completed_at, metadata)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, result.RunID, i, tr.TaskID, string(tr.Status), string(outputs), tr.Error,
				tr.Duration.Milliseconds(), nullableTime(tr.StartedAt), nullableTime(tr.CompletedAt), string(metadata))
			if err != nil {
				return fmt.Errorf("save task result %s: %w", tr.TaskID, err)
			}
		}
		return nil
	})
}

// GetRun retrieves a stored workflow by ID. Returns nil if it does not exist.
func (db *DB) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := db.queryRowContext(ctx, `
		SELECT id, objective, success, response, error, summary, created_at
		FROM workflow_runs WHERE id = ?
	`, id)

	var rec RunRecord
	var response, errText sql.NullString
	var summary, createdAt string
	err := row.Scan(&rec.Result.RunID, &rec.Result.Objective, &rec.Result.Success, &response, &errText, &summary, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	rec.Result.Response = response.String
	rec.Result.Error = errText.String
	rec.CreatedAt, _ = parseTime(createdAt)
	if err := json.Unmarshal([]byte(summary), &rec.Result.ExecutionSummary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	rec.Result.EfficiencyMetrics = rec.Result.ExecutionSummary.Efficiency

	rec.Result.TaskResults, err = db.taskResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (db *DB) taskResults(ctx context.Context, runID string) ([]models.TaskExecutionResult, error) {
	rows, err := db.queryContext(ctx, `
		SELECT task_id, status, outputs, error, duration_ms, started_at, completed_at, metadata
		FROM task_results WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task results: %w", err)
	}
	defer rows.Close()

	var results []models.TaskExecutionResult
	for rows.Next() {
		var tr models.TaskExecutionResult
		var outputs, errText, metadata, startedAt, completedAt sql.NullString
		var durationMS int64
		if err := rows.Scan(&tr.TaskID, &tr.Status, &outputs, &errText, &durationMS, &startedAt, &completedAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		tr.Error = errText.String
		tr.Duration = time.Duration(durationMS) * time.Millisecond
		tr.StartedAt = parseNullableTime(startedAt)
		tr.CompletedAt = parseNullableTime(completedAt)
		if outputs.Valid {
			_ = json.Unmarshal([]byte(outputs.String), &tr.Outputs)
		}
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &tr.Metadata)
		}
		results = append(results, tr)
	}
	return results, rows.Err()
}

// ListRuns returns the most recent runs first. A non-positive limit
// returns all runs.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.queryContext(ctx, `
		SELECT id, objective, success, rounds, total_tasks, successful_tasks, failed_tasks, created_at
		FROM workflow_runs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Objective, &r.Success, &r.Rounds, &r.TotalTasks, &r.SuccessfulTasks, &r.FailedTasks, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
