package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/store"
)

// Service polls the store for due cron jobs and materializes each fire
// into a new queued Run, advancing the job's schedule from the current
// time so a missed window produces one catch-up fire rather than a
// backlog.
type Service struct {
	Store store.Store
	// RunsDir must be the same <data_root>/runs path the Executor and
	// ControlPlane are configured with: it's used to precompute the
	// Workdir for cron-triggered runs the same way SubmitRun does.
	RunsDir string

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	retryCfg RetryConfig
}

// NewService creates a cron scheduler backed by s, writing new runs'
// workdirs under runsDir.
func NewService(s store.Store, runsDir string) *Service {
	return &Service{Store: s, RunsDir: runsDir, retryCfg: DefaultRetryConfig()}
}

// SetRetryConfig overrides the default retry configuration used when a
// single tick's store operations fail transiently.
func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.retryCfg = cfg
}

// Start begins the polling loop in a background goroutine.
func (cs *Service) Start(ctx context.Context) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel
	cs.done = make(chan struct{})
	cs.running = true

	go cs.runLoop(loopCtx)
	slog.Info("cron scheduler started", "check_interval", CheckInterval)
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (cs *Service) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.cancel()
	cs.running = false
	done := cs.done
	cs.mu.Unlock()

	<-done
	slog.Info("cron scheduler stopped")
}

func (cs *Service) runLoop(ctx context.Context) {
	defer close(cs.done)

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.scheduleDue(ctx)
		}
	}
}

// scheduleDue fires every cron job that is currently due. One job's
// failure never stops the others, and a job is advanced past the fire it
// just attempted even when creating its run fails, so a missing task or a
// storage error cannot wedge the scheduler at "due" forever. A job whose
// cron expression cannot be parsed is skipped without being advanced.
func (cs *Service) scheduleDue(ctx context.Context) {
	now := time.Now().UTC()

	due, _, err := ExecuteWithRetry(func() ([]*store.CronJob, error) {
		return cs.Store.ListDueCronJobs(ctx, now)
	}, cs.retryCfg)
	if err != nil {
		slog.Error("cron: list due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		cs.fireJob(ctx, job, now)
	}
}

func (cs *Service) fireJob(ctx context.Context, job *store.CronJob, now time.Time) {
	next, err := gronx.NextTickAfter(job.CronExpression, now, false)
	if err != nil {
		slog.Error("cron: invalid expression, disabling advance skipped", "cron_id", job.CronID, "expr", job.CronExpression, "error", err)
		return
	}

	if err := cs.createRunForJob(ctx, job, now); err != nil {
		slog.Error("cron: creating run failed, job will still advance", "cron_id", job.CronID, "task_id", job.TaskID, "error", err)
	} else {
		slog.Info("cron: fired job", "cron_id", job.CronID, "task_id", job.TaskID, "next_run_at", next)
	}

	// Advance next_run_at regardless of whether the run was created, so a
	// missing task or transient storage error doesn't pin the job at
	// "due" and re-fire it every tick forever.
	if _, err := ExecuteWithRetry(func() (struct{}, error) {
		return struct{}{}, cs.Store.AdvanceCronJob(ctx, job.CronID, now, next)
	}, cs.retryCfg); err != nil {
		slog.Error("cron: advancing job failed", "cron_id", job.CronID, "error", err)
	}
}

func (cs *Service) createRunForJob(ctx context.Context, job *store.CronJob, now time.Time) error {
	task, err := cs.Store.GetTask(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("lookup task %s: %w", job.TaskID, err)
	}
	if !task.IsEnabled {
		return fmt.Errorf("task %s is disabled", job.TaskID)
	}

	runID := "r-cron-" + uuid.NewString()[:8]
	run := &store.Run{
		RunID:       runID,
		TaskID:      job.TaskID,
		TaskVersion: task.Version,
		SchemaHash:  task.SchemaHash,
		Params:      job.Params,
		Workdir:     filepath.Join(cs.RunsDir, runID),
	}
	if task.TimeoutSeconds != nil {
		deadline := now.Add(time.Duration(*task.TimeoutSeconds) * time.Second)
		run.DeadlineAt = &deadline
	}
	return cs.Store.CreateRun(ctx, run)
}
