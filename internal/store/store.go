package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtzanidakis/dispatch/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the operational journal. Routing state itself stays in memory;
// rows here are for inspection and export only.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id          TEXT PRIMARY KEY,
			description TEXT,
			position    INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			task_id              TEXT PRIMARY KEY,
			description          TEXT,
			worker               TEXT NOT NULL,
			complexity           TEXT NOT NULL,
			model                TEXT NOT NULL,
			priority             TEXT NOT NULL,
			confidence           REAL NOT NULL,
			rationale            TEXT,
			estimated_timeout_ms INTEGER NOT NULL,
			status               TEXT NOT NULL,
			reason               TEXT,
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id             TEXT NOT NULL,
			worker              TEXT NOT NULL,
			success             BOOLEAN NOT NULL,
			quality             REAL NOT NULL,
			execution_time_ms   REAL NOT NULL,
			observed_complexity TEXT,
			error               TEXT,
			created_at          DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS bus_messages (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			source          TEXT NOT NULL,
			target          TEXT NOT NULL,
			priority        TEXT NOT NULL,
			content         TEXT,
			conversation_id TEXT,
			reply_to        TEXT,
			ttl_seconds     INTEGER DEFAULT 0,
			created_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bus_messages_created ON bus_messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS maintenance_jobs (
			id          TEXT PRIMARY KEY,
			schedule    TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			last_result TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON maintenance_jobs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// inClause returns "(?,?,...)" and its args.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}
