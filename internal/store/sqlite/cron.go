package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// CreateCronJob inserts a new scheduled job definition.
func (s *Store) CreateCronJob(ctx context.Context, j *store.CronJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (cron_id, task_id, name, cron_expression, params, is_enabled, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.CronID, j.TaskID, j.Name, j.CronExpression, string(j.Params), boolToInt(j.IsEnabled),
		timePtrToStr(j.LastRunAt), timePtrToStr(j.NextRunAt))
	if err != nil {
		return taskerr.Storage("create cron job", err)
	}
	return nil
}

// GetCronJob returns one job by id, or ErrNotFound.
func (s *Store) GetCronJob(ctx context.Context, cronID string) (*store.CronJob, error) {
	return scanCronJob(s.db.QueryRowContext(ctx, cronSelectColumns+` WHERE cron_id = ?`, cronID))
}

// ListCronJobs returns every scheduled job.
func (s *Store) ListCronJobs(ctx context.Context) ([]*store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, cronSelectColumns+` ORDER BY cron_id`)
	if err != nil {
		return nil, taskerr.Storage("list cron jobs", err)
	}
	defer rows.Close()
	var out []*store.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateCronJob replaces a job's mutable fields (schedule and next_run_at,
// params, enabled flag); cron_id and task_id are immutable once created.
func (s *Store) UpdateCronJob(ctx context.Context, j *store.CronJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET name = ?, cron_expression = ?, params = ?, is_enabled = ?, next_run_at = ?
		WHERE cron_id = ?
	`, j.Name, j.CronExpression, string(j.Params), boolToInt(j.IsEnabled), timePtrToStr(j.NextRunAt), j.CronID)
	if err != nil {
		return taskerr.Storage("update cron job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.NotFound("cron job not found")
	}
	return nil
}

// DeleteCronJob removes a scheduled job definition.
func (s *Store) DeleteCronJob(ctx context.Context, cronID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE cron_id = ?`, cronID)
	if err != nil {
		return taskerr.Storage("delete cron job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.NotFound("cron job not found")
	}
	return nil
}

// ListDueCronJobs returns enabled jobs whose next_run_at has arrived at or
// before now. The scheduler computes each job's true next fire time from
// now (not from the stale next_run_at) before calling AdvanceCronJob, so a
// job that was due many times over a long downtime still creates exactly
// one Run per tick.
func (s *Store) ListDueCronJobs(ctx context.Context, now time.Time) ([]*store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, cronSelectColumns+`
		WHERE is_enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
	`, timeToStr(now))
	if err != nil {
		return nil, taskerr.Storage("list due cron jobs", err)
	}
	defer rows.Close()
	var out []*store.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AdvanceCronJob records that a job fired at lastRun and is next due at
// nextRun.
func (s *Store) AdvanceCronJob(ctx context.Context, cronID string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run_at = ?, next_run_at = ? WHERE cron_id = ?
	`, timeToStr(lastRun), timeToStr(nextRun), cronID)
	if err != nil {
		return taskerr.Storage("advance cron job", err)
	}
	return nil
}

const cronSelectColumns = `
	SELECT cron_id, task_id, name, cron_expression, params, is_enabled, last_run_at, next_run_at
	FROM cron_jobs`

func scanCronJob(row rowScanner) (*store.CronJob, error) {
	var j store.CronJob
	var enabled int
	var lastRunAt, nextRunAt sql.NullString
	err := row.Scan(&j.CronID, &j.TaskID, &j.Name, &j.CronExpression, &j.Params, &enabled, &lastRunAt, &nextRunAt)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("cron job not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan cron job", err)
	}
	j.IsEnabled = enabled != 0
	if j.LastRunAt, err = strToTimePtr(lastRunAt); err != nil {
		return nil, taskerr.Storage("parse last_run_at", err)
	}
	if j.NextRunAt, err = strToTimePtr(nextRunAt); err != nil {
		return nil, taskerr.Storage("parse next_run_at", err)
	}
	return &j, nil
}
