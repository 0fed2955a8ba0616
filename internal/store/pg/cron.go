package pg

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, j.CronID, j.TaskID, j.Name, j.CronExpression, string(j.Params), j.IsEnabled,
		nullTime(j.LastRunAt), nullTime(j.NextRunAt))
	if err != nil {
		return taskerr.Storage("create cron job", err)
	}
	return nil
}

const cronSelectColumns = `
	SELECT cron_id, task_id, name, cron_expression, params, is_enabled, last_run_at, next_run_at
	FROM cron_jobs`

// GetCronJob returns one job by id, or ErrNotFound.
func (s *Store) GetCronJob(ctx context.Context, cronID string) (*store.CronJob, error) {
	return scanCronJob(s.db.QueryRowContext(ctx, cronSelectColumns+` WHERE cron_id = $1`, cronID))
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

// UpdateCronJob replaces a job's mutable fields; cron_id and task_id are
// immutable once created.
func (s *Store) UpdateCronJob(ctx context.Context, j *store.CronJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET name = $1, cron_expression = $2, params = $3, is_enabled = $4, next_run_at = $5
		WHERE cron_id = $6
	`, j.Name, j.CronExpression, string(j.Params), j.IsEnabled, nullTime(j.NextRunAt), j.CronID)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE cron_id = $1`, cronID)
	if err != nil {
		return taskerr.Storage("delete cron job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.NotFound("cron job not found")
	}
	return nil
}

// ListDueCronJobs returns enabled jobs whose next_run_at has arrived.
func (s *Store) ListDueCronJobs(ctx context.Context, now time.Time) ([]*store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, cronSelectColumns+`
		WHERE is_enabled = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
	`, now)
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

// AdvanceCronJob records that a job fired at lastRun and is next due at nextRun.
func (s *Store) AdvanceCronJob(ctx context.Context, cronID string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run_at = $1, next_run_at = $2 WHERE cron_id = $3
	`, lastRun, nextRun, cronID)
	if err != nil {
		return taskerr.Storage("advance cron job", err)
	}
	return nil
}

func scanCronJob(row rowScanner) (*store.CronJob, error) {
	var j store.CronJob
	var lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&j.CronID, &j.TaskID, &j.Name, &j.CronExpression, &j.Params, &j.IsEnabled, &lastRunAt, &nextRunAt)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("cron job not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan cron job", err)
	}
	j.LastRunAt = derefTime(lastRunAt)
	j.NextRunAt = derefTime(nextRunAt)
	return &j, nil
}
