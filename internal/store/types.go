// Package store defines the durable state model for TaskHub: tasks, runs,
// the dispatch queue, worker heartbeats, and cron jobs, plus the Store
// interface that centralizes every state mutation so invariants never leak
// into callers.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// WorkerStatus is the observability status of a registered worker.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "IDLE"
	WorkerBusy WorkerStatus = "BUSY"
)

// Task is an (almost) immutable task definition, refreshed by the
// Registry on boot via UpsertTask.
type Task struct {
	TaskID           string
	Name             string
	Description      string
	Tags             []string
	Version          string
	ParamsSchema     json.RawMessage
	SchemaHash       string
	ConcurrencyLimit *int
	TimeoutSeconds   *int
	IsEnabled        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Run is one execution attempt of a Task.
type Run struct {
	RunID             string
	TaskID            string
	TaskVersion       string
	SchemaHash        string
	Status            RunStatus
	Params            json.RawMessage
	Workdir           string
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	DeadlineAt        *time.Time
	ExitCode          *int
	Error             string
	CancelRequestedAt *time.Time
	LeaseOwner        string
	LeaseExpiresAt    *time.Time
	WorkerPID         int
}

// Duration returns the wall-clock duration of the run, or zero if it has
// not started. If the run is not yet finished, duration is measured up to
// now.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// QueueEntry marks a Run as eligible for dispatch.
type QueueEntry struct {
	RunID      string
	Priority   int
	EnqueuedAt time.Time
}

// WorkerHeartbeat is observability-only; never authoritative for scheduling.
type WorkerHeartbeat struct {
	WorkerID      string
	Hostname      string
	PID           int
	Status        WorkerStatus
	CurrentRunID  string
	LastHeartbeat time.Time
}

// CronJob materializes due fires into queued Runs.
type CronJob struct {
	CronID         string
	TaskID         string
	Name           string
	CronExpression string
	Params         json.RawMessage
	IsEnabled      bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
}

// ListRunsFilter narrows ListRuns.
type ListRunsFilter struct {
	TaskID string
	Status RunStatus
	Limit  int
}

// Store centralizes every durable state mutation TaskHub performs. No
// caller issues raw SQL; every operation below is one short transaction.
type Store interface {
	// Tasks
	UpsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)

	// Runs
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, f ListRunsFilter) ([]*Run, error)
	AcquireLease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Run, error)
	ExtendLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error)
	RecordPID(ctx context.Context, runID string, pid int) error
	PollCancel(ctx context.Context, runID string) (bool, error)
	RequestCancel(ctx context.Context, runID string) error
	FinalizeRun(ctx context.Context, runID string, status RunStatus, exitCode *int, errMsg string) error
	FindExpiredRuns(ctx context.Context, grace time.Duration) ([]*Run, error)

	// Cron
	CreateCronJob(ctx context.Context, j *CronJob) error
	GetCronJob(ctx context.Context, cronID string) (*CronJob, error)
	ListCronJobs(ctx context.Context) ([]*CronJob, error)
	UpdateCronJob(ctx context.Context, j *CronJob) error
	DeleteCronJob(ctx context.Context, cronID string) error
	ListDueCronJobs(ctx context.Context, now time.Time) ([]*CronJob, error)
	AdvanceCronJob(ctx context.Context, cronID string, lastRun, nextRun time.Time) error

	// Workers
	RegisterWorker(ctx context.Context, workerID, hostname string, pid int) error
	HeartbeatWorker(ctx context.Context, workerID string, status WorkerStatus, currentRunID string) error
	ListActiveWorkers(ctx context.Context, timeout time.Duration) ([]*WorkerHeartbeat, error)
	PruneDeadWorkers(ctx context.Context, timeout time.Duration) (int, error)

	Close() error
}
