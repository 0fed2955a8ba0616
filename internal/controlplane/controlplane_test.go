package controlplane

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/store/sqlite"
	"github.com/taskhub/taskhub/internal/taskerr"
)

const demoTaskYAML = `
task_id: demo
name: Demo
version: "1.0.0"
params_schema:
  type: object
  properties:
    count:
      type: integer
  required: [count]
command:
  - echo
  - "{{.count}}"
`

func newTestControlPlane(t *testing.T) (*ControlPlane, store.Store, string) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	defDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defDir, "demo.yaml"), []byte(demoTaskYAML), 0o644))
	reg := registry.New(defDir)
	require.NoError(t, reg.Discover())
	require.NoError(t, reg.SyncToStore(context.Background(), s))

	runsDir := t.TempDir()
	return New(s, reg, runsDir), s, runsDir
}

func TestSubmitRun_ValidatesAndCreatesQueuedRun(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	ctx := context.Background()

	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 3}`))
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run.Status)
	require.Equal(t, "demo", run.TaskID)
	require.NotEmpty(t, run.SchemaHash)
	require.Contains(t, run.Workdir, run.RunID)
}

func TestSubmitRun_RejectsParamsFailingSchema(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	_, err := cp.SubmitRun(context.Background(), "demo", []byte(`{}`))
	require.ErrorIs(t, err, taskerr.ErrValidation)
}

func TestSubmitRun_RejectsUnknownTask(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	_, err := cp.SubmitRun(context.Background(), "nope", []byte(`{}`))
	require.Error(t, err)
}

func TestCancelRun_SetsCancelRequested(t *testing.T) {
	cp, s, _ := newTestControlPlane(t)
	ctx := context.Background()
	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 1}`))
	require.NoError(t, err)

	require.NoError(t, cp.CancelRun(ctx, run.RunID))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.CancelRequestedAt)
}

func TestReadEvents_ReturnsItemsAfterCursorAndAdvancesIt(t *testing.T) {
	cp, _, runsDir := newTestControlPlane(t)
	ctx := context.Background()
	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 1}`))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(run.Workdir, 0o755))
	w, err := events.NewWriter(run.Workdir, run.RunID)
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte(`{"type":"progress","data":{"pct":10}}`)))
	require.NoError(t, w.Append([]byte(`{"type":"progress","data":{"pct":50}}`)))
	require.NoError(t, w.Close())
	_ = runsDir

	page, err := cp.ReadEvents(ctx, run.RunID, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, 2, page.Cursor)

	page2, err := cp.ReadEvents(ctx, run.RunID, 1)
	require.NoError(t, err)
	require.Len(t, page2.Events, 1)
	require.Equal(t, 2, page2.Events[0].Seq)
}

func TestReadArtifacts_ReturnsEmptyIndexWhenMissing(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	ctx := context.Background()
	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 1}`))
	require.NoError(t, err)

	idx, err := cp.ReadArtifacts(ctx, run.RunID)
	require.NoError(t, err)
	require.Empty(t, idx.Items)
}

func TestResolveDownload_RejectsPathEscapingWorkdir(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	ctx := context.Background()
	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 1}`))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(run.Workdir, 0o755))

	idx := events.ArtifactIndex{
		RunID: run.RunID,
		Items: []events.Artifact{{ArtifactID: "a1", FileID: "f1", Path: "../../../etc/passwd"}},
	}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(run.Workdir, "artifacts.json"), raw, 0o644))

	_, err = cp.ResolveDownload(ctx, run.RunID, "f1")
	require.ErrorIs(t, err, taskerr.ErrValidation)
}

func TestResolveDownload_ResolvesValidArtifact(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	ctx := context.Background()
	run, err := cp.SubmitRun(ctx, "demo", []byte(`{"count": 1}`))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(run.Workdir, "files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run.Workdir, "files", "out.csv"), []byte("a,b\n"), 0o644))

	idx := events.ArtifactIndex{
		RunID: run.RunID,
		Items: []events.Artifact{{ArtifactID: "a1", FileID: "f1", Path: "files/out.csv"}},
	}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(run.Workdir, "artifacts.json"), raw, 0o644))

	path, err := cp.ResolveDownload(ctx, run.RunID, "f1")
	require.NoError(t, err)
	require.FileExists(t, path)
}

func TestCronCRUD_ValidatesExpressionAndComputesNextRun(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	ctx := context.Background()

	job, err := cp.CreateCronJob(ctx, "demo", "every-minute", "* * * * *", []byte(`{"count":1}`))
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	require.True(t, job.IsEnabled)

	_, err = cp.CreateCronJob(ctx, "demo", "bad", "not a cron expr", []byte(`{}`))
	require.ErrorIs(t, err, taskerr.ErrValidation)

	require.NoError(t, cp.ToggleCronJob(ctx, job.CronID, false))
	got, err := cp.GetCronJob(ctx, job.CronID)
	require.NoError(t, err)
	require.False(t, got.IsEnabled)

	require.NoError(t, cp.DeleteCronJob(ctx, job.CronID))
	_, err = cp.GetCronJob(ctx, job.CronID)
	require.Error(t, err)
}
