package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/executor"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/store/sqlite"
)

const echoYAML = `
task_id: echo_task
name: echo
params_schema:
  type: object
command:
  - /bin/sh
  - "-c"
  - "echo hi; exit 0"
`

func TestWorker_DispatchesAndExecutesQueuedRun(t *testing.T) {
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	taskDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "t.yaml"), []byte(echoYAML), 0o644))
	reg := registry.New(taskDir)
	require.NoError(t, reg.Discover())
	ctx := context.Background()
	require.NoError(t, reg.SyncToStore(ctx, s))

	exec := executor.New(s, reg, t.TempDir(), "worker-1")
	run := &store.Run{RunID: uuid.NewString(), TaskID: "echo_task", Params: []byte(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	w, err := New(ctx, Config{
		Store:         s,
		Executor:      exec,
		WorkerID:      "worker-1",
		LeaseDuration: time.Minute,
		PollInterval:  10 * time.Millisecond,
		Concurrency:   1,
	})
	require.NoError(t, err)

	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := s.GetRun(ctx, run.RunID)
		return err == nil && got.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
}
