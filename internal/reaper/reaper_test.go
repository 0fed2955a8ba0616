package reaper

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsertTask(t *testing.T, s *sqlite.Store, taskID string) {
	t.Helper()
	require.NoError(t, s.UpsertTask(context.Background(), &store.Task{
		TaskID:       taskID,
		Name:         taskID,
		ParamsSchema: json.RawMessage(`{}`),
		IsEnabled:    true,
	}))
}

func TestTick_ReclaimsExpiredLeaseRunWithoutKilling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo")

	run := &store.Run{RunID: uuid.NewString(), TaskID: "demo", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.AcquireLease(ctx, "worker-1", -1*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	var killed []int
	r := New(Config{
		Store:    s,
		Grace:    0,
		KillGroup: func(pid int) { killed = append(killed, pid) },
	})
	r.Tick(ctx)

	got, err := s.GetRun(ctx, claimed.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, "Lease expired (Reaped)", got.Error)
	require.Empty(t, killed, "no pid was ever recorded so KillGroup should not fire")
}

func TestTick_KillsRecordedProcessGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo")

	run := &store.Run{RunID: uuid.NewString(), TaskID: "demo", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.AcquireLease(ctx, "worker-1", -1*time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.RecordPID(ctx, claimed.RunID, 424242))

	var killed []int
	r := New(Config{
		Store:    s,
		Grace:    0,
		KillGroup: func(pid int) { killed = append(killed, pid) },
	})
	r.Tick(ctx)

	require.Equal(t, []int{424242}, killed)

	got, err := s.GetRun(ctx, claimed.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
}

func TestTick_NoExpiredRunsIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertTask(t, s, "demo")
	mustCreateQueuedRun := &store.Run{RunID: uuid.NewString(), TaskID: "demo", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, mustCreateQueuedRun))

	r := New(Config{Store: s})
	r.Tick(ctx) // run is QUEUED, not RUNNING, so it's not expired

	got, err := s.GetRun(ctx, mustCreateQueuedRun.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, got.Status)
}

func TestStartStop(t *testing.T) {
	s := openTestStore(t)
	r := New(Config{Store: s, Interval: 10 * time.Millisecond})
	r.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	r.Stop()
}
