package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsertTask(t *testing.T, s *Store, taskID string, limit *int) {
	t.Helper()
	err := s.UpsertTask(context.Background(), &store.Task{
		TaskID:       taskID,
		Name:         taskID,
		ParamsSchema: json.RawMessage(`{}`),
		IsEnabled:    true,
		ConcurrencyLimit: limit,
	})
	require.NoError(t, err)
}

func mustCreateQueuedRun(t *testing.T, s *Store, taskID string) *store.Run {
	t.Helper()
	r := &store.Run{RunID: uuid.NewString(), TaskID: taskID, Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func TestAcquireLease_ClaimsQueuedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)
	run := mustCreateQueuedRun(t, s, "demo")

	claimed, err := s.AcquireLease(ctx, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, run.RunID, claimed.RunID)
	require.Equal(t, store.RunRunning, claimed.Status)
	require.Equal(t, "worker-1", claimed.LeaseOwner)

	// Queue is now empty; a second acquire finds nothing.
	again, err := s.AcquireLease(ctx, "worker-2", 30*time.Second)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestAcquireLease_RespectsConcurrencyLimitAndSkipsHeadOfLine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	limit := 1
	mustUpsertTask(t, s, "limited", &limit)
	mustUpsertTask(t, s, "unlimited", nil)

	first := mustCreateQueuedRun(t, s, "limited")
	mustCreateQueuedRun(t, s, "limited") // second "limited" run, blocked by concurrency limit
	third := mustCreateQueuedRun(t, s, "unlimited")

	claimed1, err := s.AcquireLease(ctx, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, first.RunID, claimed1.RunID)

	// The second "limited" run cannot be claimed (limit already saturated),
	// so the scan should skip past it and claim the unlimited run instead.
	claimed2, err := s.AcquireLease(ctx, "worker-2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	require.Equal(t, third.RunID, claimed2.RunID)

	// No more claimable runs: the remaining "limited" run stays queued.
	claimed3, err := s.AcquireLease(ctx, "worker-3", 30*time.Second)
	require.NoError(t, err)
	require.Nil(t, claimed3)
}

func TestExtendLease_FailsOnceLeaseIsLost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)
	run := mustCreateQueuedRun(t, s, "demo")

	claimed, err := s.AcquireLease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := s.ExtendLease(ctx, run.RunID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A different worker ID cannot extend someone else's lease.
	ok, err = s.ExtendLease(ctx, run.RunID, "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.FinalizeRun(ctx, run.RunID, store.RunSucceeded, nil, ""))

	// Once finalized, extending is a no-op.
	ok, err = s.ExtendLease(ctx, run.RunID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFinalizeRun_IsIdempotentOnTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)
	run := mustCreateQueuedRun(t, s, "demo")
	_, err := s.AcquireLease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.FinalizeRun(ctx, run.RunID, store.RunFailed, nil, "Lease expired (Reaped)"))

	// A worker that later tries to report SUCCEEDED loses: first writer wins.
	require.NoError(t, s.FinalizeRun(ctx, run.RunID, store.RunSucceeded, nil, ""))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, "Lease expired (Reaped)", got.Error)
}

func TestFindExpiredRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)
	run := mustCreateQueuedRun(t, s, "demo")

	// Lease duration is already in the past relative to a positive grace.
	_, err := s.AcquireLease(ctx, "worker-1", -time.Minute)
	require.NoError(t, err)

	expired, err := s.FindExpiredRuns(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, run.RunID, expired[0].RunID)
}

func TestRequestCancelAndPollCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)
	run := mustCreateQueuedRun(t, s, "demo")

	canceled, err := s.PollCancel(ctx, run.RunID)
	require.NoError(t, err)
	require.False(t, canceled)

	require.NoError(t, s.RequestCancel(ctx, run.RunID))

	canceled, err = s.PollCancel(ctx, run.RunID)
	require.NoError(t, err)
	require.True(t, canceled)
}

func TestCronJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo", nil)

	past := time.Now().UTC().Add(-time.Hour)
	job := &store.CronJob{
		CronID:         uuid.NewString(),
		TaskID:         "demo",
		Name:           "hourly",
		CronExpression: "0 * * * *",
		Params:         json.RawMessage(`{}`),
		IsEnabled:      true,
		NextRunAt:      &past,
	}
	require.NoError(t, s.CreateCronJob(ctx, job))

	due, err := s.ListDueCronJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	require.NoError(t, s.AdvanceCronJob(ctx, job.CronID, now, next))

	due, err = s.ListDueCronJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestWorkerRegistryLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, "w1", "host-a", 123))
	require.NoError(t, s.HeartbeatWorker(ctx, "w1", store.WorkerBusy, "run-1"))

	active, err := s.ListActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, store.WorkerBusy, active[0].Status)

	pruned, err := s.PruneDeadWorkers(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
}
