package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// UpsertTask inserts a task or replaces its definition fields, matching the
// registry's refresh-on-boot behavior: tasks are keyed by task_id and a new
// upsert always wins, but created_at is preserved across reloads.
func (s *Store) UpsertTask(ctx context.Context, t *store.Task) error {
	if err := store.ValidateTaskID(t.TaskID); err != nil {
		return err
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return taskerr.Validation("marshal tags: " + err.Error())
	}
	now := nowUTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, name, description, tags, version, params_schema, schema_hash,
			concurrency_limit, timeout_seconds, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			name=excluded.name, description=excluded.description, tags=excluded.tags,
			version=excluded.version, params_schema=excluded.params_schema, schema_hash=excluded.schema_hash,
			concurrency_limit=excluded.concurrency_limit, timeout_seconds=excluded.timeout_seconds,
			is_enabled=excluded.is_enabled, updated_at=excluded.updated_at
	`, t.TaskID, t.Name, t.Description, string(tags), t.Version, string(t.ParamsSchema), t.SchemaHash,
		intPtrToNull(t.ConcurrencyLimit), intPtrToNull(t.TimeoutSeconds), boolToInt(t.IsEnabled),
		timeToStr(t.CreatedAt), timeToStr(t.UpdatedAt))
	if err != nil {
		return taskerr.Storage("upsert task", err)
	}
	return nil
}

// GetTask returns the task definition, or ErrNotFound if task_id is unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, name, description, tags, version, params_schema, schema_hash,
			concurrency_limit, timeout_seconds, is_enabled, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// ListTasks returns every task definition, ordered by task_id.
func (s *Store) ListTasks(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, description, tags, version, params_schema, schema_hash,
			concurrency_limit, timeout_seconds, is_enabled, created_at, updated_at
		FROM tasks ORDER BY task_id`)
	if err != nil {
		return nil, taskerr.Storage("list tasks", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var tags string
	var createdAt, updatedAt string
	var concurrency, timeout sql.NullInt64
	var enabled int
	err := row.Scan(&t.TaskID, &t.Name, &t.Description, &tags, &t.Version, &t.ParamsSchema, &t.SchemaHash,
		&concurrency, &timeout, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("task not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan task", err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, taskerr.Storage("unmarshal tags", err)
	}
	t.ConcurrencyLimit = nullToIntPtr(concurrency)
	t.TimeoutSeconds = nullToIntPtr(timeout)
	t.IsEnabled = enabled != 0
	ca, err := strToTimePtr(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return nil, taskerr.Storage("parse created_at", err)
	}
	t.CreatedAt = *ca
	ua, err := strToTimePtr(sql.NullString{String: updatedAt, Valid: true})
	if err != nil {
		return nil, taskerr.Storage("parse updated_at", err)
	}
	t.UpdatedAt = *ua
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
