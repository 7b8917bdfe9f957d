package store

import (
	"database/sql"
	"fmt"
	"time"
)

type MaintenanceJob struct {
	ID         string     `json:"id"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastResult string     `json:"last_result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanJob(sc scanner) (*MaintenanceJob, error) {
	j := &MaintenanceJob{}
	var lastStatus, lastError, lastResult sql.NullString
	err := sc.Scan(&j.ID, &j.Schedule, &j.Status, &j.NextRunAt, &j.LastRunAt,
		&lastStatus, &lastError, &lastResult, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.LastStatus = lastStatus.String
	j.LastError = lastError.String
	j.LastResult = lastResult.String
	return j, nil
}

const jobColumns = `id, schedule, status, next_run_at, last_run_at, last_status, last_error, last_result, created_at`

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// SaveJob upserts a job definition. Run history is left untouched.
func (s *Store) SaveJob(j *MaintenanceJob) error {
	if j.Status == "" {
		j.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO maintenance_jobs (id, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		j.ID, j.Schedule, j.Status, utcPtr(j.NextRunAt))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*MaintenanceJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM maintenance_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs() ([]MaintenanceJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM maintenance_jobs ORDER BY id`)
}

func (s *Store) GetDueJobs(now time.Time) ([]MaintenanceJob, error) {
	return s.queryJobs(`
		SELECT `+jobColumns+`
		FROM maintenance_jobs
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) queryJobs(query string, args ...any) ([]MaintenanceJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []MaintenanceJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJobRun(id, lastStatus, lastError, lastResult string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE maintenance_jobs
		SET last_run_at = ?, last_status = ?, last_error = ?, last_result = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, lastResult, utcPtr(nextRunAt), id)
	return err
}

func (s *Store) UpdateJobStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE maintenance_jobs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteJobsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM maintenance_jobs`)
		return err
	}
	in, args := inClause(ids)
	_, err := s.db.Exec(`DELETE FROM maintenance_jobs WHERE id NOT IN `+in, args...)
	return err
}
