package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Worker struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveWorker(w *Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, description, position, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			position = excluded.position,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Description, w.Position)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorker(id string) (*Worker, error) {
	w := &Worker{}
	var description sql.NullString
	err := s.db.QueryRow(`SELECT id, description, position, created_at, updated_at FROM workers WHERE id = ?`, id).
		Scan(&w.ID, &description, &w.Position, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	w.Description = description.String
	return w, nil
}

func (s *Store) ListWorkers() ([]Worker, error) {
	rows, err := s.db.Query(`SELECT id, description, position, created_at, updated_at FROM workers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		var description sql.NullString
		if err := rows.Scan(&w.ID, &description, &w.Position, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Description = description.String
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *Store) DeleteWorkersNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM workers`)
		return err
	}
	in, args := inClause(ids)
	_, err := s.db.Exec(`DELETE FROM workers WHERE id NOT IN `+in, args...)
	return err
}
