package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Outcome struct {
	ID                 int64     `json:"id"`
	TaskID             string    `json:"task_id"`
	Worker             string    `json:"worker"`
	Success            bool      `json:"success"`
	Quality            float64   `json:"quality"`
	ExecutionTimeMs    float64   `json:"execution_time_ms"`
	ObservedComplexity string    `json:"observed_complexity,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *Store) SaveOutcome(o *Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO outcomes (task_id, worker, success, quality, execution_time_ms, observed_complexity, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TaskID, o.Worker, o.Success, o.Quality, o.ExecutionTimeMs, o.ObservedComplexity, o.Error, o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	o.ID, _ = result.LastInsertId()
	return nil
}

// ListOutcomes returns outcomes newest first. An empty taskID lists all.
func (s *Store) ListOutcomes(taskID string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, task_id, worker, success, quality, execution_time_ms, observed_complexity, error, created_at FROM outcomes`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var observed, errText sql.NullString
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Worker, &o.Success, &o.Quality, &o.ExecutionTimeMs,
			&observed, &errText, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.ObservedComplexity = observed.String
		o.Error = errText.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
