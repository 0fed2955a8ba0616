package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/store/sqlite"
)

func newTestExecutor(t *testing.T, taskYAML string) (*Executor, *sqlite.Store, string) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	taskDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "task.yaml"), []byte(taskYAML), 0o644))
	reg := registry.New(taskDir)
	require.NoError(t, reg.Discover())
	require.NoError(t, reg.SyncToStore(context.Background(), s))

	runsDir := t.TempDir()
	return New(s, reg, runsDir, "test-worker"), s, runsDir
}

const successYAML = `
task_id: echo_ok
name: echo ok
params_schema:
  type: object
  properties:
    message:
      type: string
command:
  - /bin/sh
  - "-c"
  - "echo \"TASKHUB_EVENT {\\\"type\\\":\\\"progress\\\",\\\"data\\\":{\\\"pct\\\":100}}\"; echo '{{.message}}'; exit 0"
`

func TestExecute_SuccessfulRunWritesEventsAndSucceeds(t *testing.T) {
	exec, s, runsDir := newTestExecutor(t, successYAML)
	ctx := context.Background()

	run := &store.Run{
		RunID:  uuid.NewString(),
		TaskID: "echo_ok",
		Params: json.RawMessage(`{"message":"hello"}`),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	claimed, err := s.AcquireLease(ctx, "test-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, exec.Execute(ctx, claimed))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)

	evts, err := events.Read(filepath.Join(runsDir, run.RunID))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "progress", evts[0].Type)
}

const failYAML = `
task_id: exit_nonzero
name: fail
params_schema:
  type: object
command:
  - /bin/sh
  - "-c"
  - "exit 7"
`

func TestExecute_NonZeroExitFinalizesAsFailed(t *testing.T) {
	exec, s, _ := newTestExecutor(t, failYAML)
	ctx := context.Background()

	run := &store.Run{RunID: uuid.NewString(), TaskID: "exit_nonzero", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))
	claimed, err := s.AcquireLease(ctx, "test-worker", time.Minute)
	require.NoError(t, err)

	require.NoError(t, exec.Execute(ctx, claimed))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, 7, *got.ExitCode)
}

const cancelYAML = `
task_id: sleep_long
name: sleep
params_schema:
  type: object
command:
  - /bin/sh
  - "-c"
  - "sleep 30"
`

func TestExecute_CancelRequestKillsProcessAndFinalizesCanceled(t *testing.T) {
	exec, s, _ := newTestExecutor(t, cancelYAML)
	ctx := context.Background()

	run := &store.Run{RunID: uuid.NewString(), TaskID: "sleep_long", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))
	claimed, err := s.AcquireLease(ctx, "test-worker", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		require.NoError(t, s.RequestCancel(ctx, run.RunID))
	}()

	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, claimed) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunCanceled, got.Status)
}
