package store

import (
	"fmt"
	"time"
)

type PurgeResult struct {
	Decisions int64 `json:"decisions"`
	Outcomes  int64 `json:"outcomes"`
	Messages  int64 `json:"messages"`
}

func (r PurgeResult) Total() int64 {
	return r.Decisions + r.Outcomes + r.Messages
}

// PurgeBefore deletes finished decisions, outcomes and journaled bus
// messages older than cutoff. Decisions still in flight are kept.
func (s *Store) PurgeBefore(cutoff time.Time) (PurgeResult, error) {
	var r PurgeResult
	cutoff = cutoff.UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return r, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM decisions WHERE status IN (?, ?, ?) AND updated_at < ?`,
		DecisionCompleted, DecisionFailed, DecisionRejected, cutoff)
	if err != nil {
		return r, fmt.Errorf("purge decisions: %w", err)
	}
	r.Decisions, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM outcomes WHERE created_at < ?`, cutoff)
	if err != nil {
		return r, fmt.Errorf("purge outcomes: %w", err)
	}
	r.Outcomes, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM bus_messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return r, fmt.Errorf("purge messages: %w", err)
	}
	r.Messages, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("commit purge: %w", err)
	}
	return r, nil
}
