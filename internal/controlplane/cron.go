package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// CreateCronJob validates the cron expression, computes the first
// next_run_at from now, and persists the job.
func (cp *ControlPlane) CreateCronJob(ctx context.Context, taskID, name, cronExpr string, params []byte) (*store.CronJob, error) {
	if _, err := cp.Registry.Get(taskID); err != nil {
		return nil, err
	}
	next, err := validateAndNext(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	job := &store.CronJob{
		CronID:         "cj-" + uuid.NewString()[:8],
		TaskID:         taskID,
		Name:           name,
		CronExpression: cronExpr,
		Params:         params,
		IsEnabled:      true,
		NextRunAt:      &next,
	}
	if err := cp.Store.CreateCronJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListCronJobs returns every configured cron job.
func (cp *ControlPlane) ListCronJobs(ctx context.Context) ([]*store.CronJob, error) {
	return cp.Store.ListCronJobs(ctx)
}

// GetCronJob returns one cron job by id.
func (cp *ControlPlane) GetCronJob(ctx context.Context, cronID string) (*store.CronJob, error) {
	return cp.Store.GetCronJob(ctx, cronID)
}

// UpdateCronJob re-validates a changed cron expression and recomputes
// next_run_at when the expression changed; otherwise next_run_at is left
// untouched so an in-progress schedule isn't reset by an unrelated edit
// (e.g. toggling IsEnabled).
func (cp *ControlPlane) UpdateCronJob(ctx context.Context, job *store.CronJob) error {
	existing, err := cp.Store.GetCronJob(ctx, job.CronID)
	if err != nil {
		return err
	}
	if job.CronExpression != existing.CronExpression {
		next, err := validateAndNext(job.CronExpression, time.Now().UTC())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	} else {
		job.NextRunAt = existing.NextRunAt
	}
	return cp.Store.UpdateCronJob(ctx, job)
}

// ToggleCronJob flips IsEnabled without touching the schedule.
func (cp *ControlPlane) ToggleCronJob(ctx context.Context, cronID string, enabled bool) error {
	job, err := cp.Store.GetCronJob(ctx, cronID)
	if err != nil {
		return err
	}
	job.IsEnabled = enabled
	return cp.Store.UpdateCronJob(ctx, job)
}

// DeleteCronJob removes a cron job permanently.
func (cp *ControlPlane) DeleteCronJob(ctx context.Context, cronID string) error {
	return cp.Store.DeleteCronJob(ctx, cronID)
}

func validateAndNext(cronExpr string, now time.Time) (time.Time, error) {
	gx := gronx.New()
	if !gx.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("%w: invalid cron expression %q", taskerr.ErrValidation, cronExpr)
	}
	next, err := gronx.NextTickAfter(cronExpr, now, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: compute next tick: %v", taskerr.ErrValidation, err)
	}
	return next, nil
}
