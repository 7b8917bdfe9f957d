package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Decision statuses follow the orchestrator's task lifecycle.
const (
	DecisionRouted     = "routed"
	DecisionDispatched = "dispatched"
	DecisionCompleted  = "completed"
	DecisionFailed     = "failed"
	DecisionRejected   = "rejected"
)

type Decision struct {
	TaskID             string    `json:"task_id"`
	Description        string    `json:"description,omitempty"`
	Worker             string    `json:"worker"`
	Complexity         string    `json:"complexity"`
	Model              string    `json:"model"`
	Priority           string    `json:"priority"`
	Confidence         float64   `json:"confidence"`
	Rationale          string    `json:"rationale,omitempty"`
	EstimatedTimeoutMs int64     `json:"estimated_timeout_ms"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func scanDecision(sc scanner) (*Decision, error) {
	d := &Decision{}
	var description, rationale, reason sql.NullString
	err := sc.Scan(&d.TaskID, &description, &d.Worker, &d.Complexity, &d.Model, &d.Priority,
		&d.Confidence, &rationale, &d.EstimatedTimeoutMs, &d.Status, &reason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Description = description.String
	d.Rationale = rationale.String
	d.Reason = reason.String
	return d, nil
}

const decisionColumns = `task_id, description, worker, complexity, model, priority,
	confidence, rationale, estimated_timeout_ms, status, reason, created_at, updated_at`

func (s *Store) SaveDecision(d *Decision) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			worker = excluded.worker,
			complexity = excluded.complexity,
			model = excluded.model,
			priority = excluded.priority,
			confidence = excluded.confidence,
			rationale = excluded.rationale,
			estimated_timeout_ms = excluded.estimated_timeout_ms,
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		d.TaskID, d.Description, d.Worker, d.Complexity, d.Model, d.Priority,
		d.Confidence, d.Rationale, d.EstimatedTimeoutMs, d.Status, d.Reason, d.CreatedAt.UTC(), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

func (s *Store) UpdateDecisionStatus(taskID, status, reason string) error {
	res, err := s.db.Exec(`UPDATE decisions SET status = ?, reason = ?, updated_at = ? WHERE task_id = ?`,
		status, reason, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update decision status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update decision status: no decision for %s", taskID)
	}
	return nil
}

func (s *Store) GetDecision(taskID string) (*Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE task_id = ?`, taskID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns the newest decisions first, optionally filtered by status.
func (s *Store) ListDecisions(status string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// DecisionCounts returns the number of decisions per status.
func (s *Store) DecisionCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM decisions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("decision counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
