// Package sqlite is the default TaskHub storage backend: a single embedded
// modernc.org/sqlite database opened in WAL mode, matching the durability
// story of a single-node run queue.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskhub/taskhub/internal/taskerr"
)

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, enables WAL
// journaling with a 5s busy timeout so concurrent readers never hit
// SQLITE_BUSY during a worker's short dispatch transactions, and runs the
// schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, taskerr.Storage("open sqlite", err)
	}
	// A single connection serializes every statement this process issues,
	// so it never contends with itself for the write lock; under WAL, other
	// processes can still read while it writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, taskerr.Storage("migrate sqlite", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			version TEXT NOT NULL DEFAULT '',
			params_schema TEXT NOT NULL DEFAULT '{}',
			schema_hash TEXT NOT NULL DEFAULT '',
			concurrency_limit INTEGER,
			timeout_seconds INTEGER,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			task_version TEXT NOT NULL DEFAULT '',
			schema_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			workdir TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			deadline_at TEXT,
			exit_code INTEGER,
			error TEXT NOT NULL DEFAULT '',
			cancel_requested_at TEXT,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			worker_pid INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_status ON runs(task_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_lease ON runs(status, lease_expires_at)`,
		`CREATE TABLE IF NOT EXISTS run_queue (
			run_id TEXT PRIMARY KEY REFERENCES runs(run_id),
			priority INTEGER NOT NULL DEFAULT 0,
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON run_queue(priority DESC, enqueued_at ASC)`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'IDLE',
			current_run_id TEXT NOT NULL DEFAULT '',
			last_heartbeat TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			cron_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			name TEXT NOT NULL DEFAULT '',
			cron_expression TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			is_enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			next_run_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_due ON cron_jobs(is_enabled, next_run_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func nowUTC() time.Time { return time.Now().UTC() }

// timeToStr uses a fixed-width fraction so stored timestamps sort
// chronologically as strings (RFC3339Nano drops trailing zeros).
func timeToStr(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

func timePtrToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(*t), Valid: true}
}

func strToTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func intPtrToNull(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullToIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
