package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/store"
)

const demoYAML = `
task_id: demo_v2
name: Demo Task
description: prints a message N times and writes a CSV artifact
version: "1.0.0"
concurrency_limit: 2
params_schema:
  type: object
  properties:
    count:
      type: integer
      default: 5
    message:
      type: string
      default: Hello
  required: [count, message]
command:
  - python3
  - "-c"
  - "print('{{.message}}' * {{.count}})"
`

func writeDefinition(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestDiscover_LoadsValidDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "demo.yaml", demoYAML)

	r := New(dir)
	require.NoError(t, r.Discover())

	entry, err := r.Get("demo_v2")
	require.NoError(t, err)
	require.Equal(t, "Demo Task", entry.Def.Name)
	require.NotNil(t, entry.Def.ConcurrencyLimit)
	require.Equal(t, 2, *entry.Def.ConcurrencyLimit)
}

func TestDiscover_SkipsInvalidFileButKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "demo.yaml", demoYAML)
	writeDefinition(t, dir, "broken.yaml", "task_id: \"\"\n")

	r := New(dir)
	require.NoError(t, r.Discover())
	require.Len(t, r.List(), 1)
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "demo.yaml", demoYAML)
	r := New(dir)
	require.NoError(t, r.Discover())

	entry, err := r.Get("demo_v2")
	require.NoError(t, err)

	_, err = entry.Validator.Validate([]byte(`{"count": 3}`))
	require.Error(t, err)

	params, err := entry.Validator.Validate([]byte(`{"count": 3, "message": "hi"}`))
	require.NoError(t, err)
	require.Equal(t, "hi", params["message"])
}

func TestCommandTemplateRendersArgv(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "demo.yaml", demoYAML)
	r := New(dir)
	require.NoError(t, r.Discover())

	entry, err := r.Get("demo_v2")
	require.NoError(t, err)

	argv, err := entry.Template.Render(map[string]any{"count": 3, "message": "hi"})
	require.NoError(t, err)
	require.Equal(t, []string{"python3", "-c", "print('hi' * 3)"}, argv)
}

func TestSyncToStore_UpsertsTasksWithSchemaHash(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "demo.yaml", demoYAML)
	r := New(dir)
	require.NoError(t, r.Discover())

	fake := &fakeTaskStore{tasks: map[string]*store.Task{}}
	require.NoError(t, r.SyncToStore(context.Background(), fake))

	task := fake.tasks["demo_v2"]
	require.NotNil(t, task)
	require.NotEmpty(t, task.SchemaHash)
}

// fakeTaskStore implements only the subset of store.Store that SyncToStore
// exercises; embedding the interface lets it satisfy store.Store without
// stubbing every method.
type fakeTaskStore struct {
	store.Store
	tasks map[string]*store.Task
}

func (f *fakeTaskStore) UpsertTask(ctx context.Context, t *store.Task) error {
	f.tasks[t.TaskID] = t
	return nil
}
