// Package controlplane implements every operation spec.md §6 lists under
// "Control-plane operations", as plain Go methods over the Store and
// Registry. It is the one seam an HTTP (or any other) transport calls
// into; this package owns no routing, auth, or wire format of its own.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// ControlPlane is the Go-level service behind the (out-of-scope) HTTP
// surface: every method here corresponds to one bullet in spec.md §6.
type ControlPlane struct {
	Store    store.Store
	Registry *registry.Registry
	RunsDir  string // <data_root>/runs; must match the Executor's RunsDir exactly
}

// New builds a ControlPlane over an already-open Store and populated
// Registry. runsDir must be the same <data_root>/runs path the Executor
// is configured with, since the workdir recorded here at submission time
// is never rewritten later.
func New(s store.Store, reg *registry.Registry, runsDir string) *ControlPlane {
	return &ControlPlane{Store: s, Registry: reg, RunsDir: runsDir}
}

// SubmitRun validates params against task_id's registered schema, creates
// a QUEUED Run snapshotting the task's current version/schema_hash, and
// returns the created Run.
func (cp *ControlPlane) SubmitRun(ctx context.Context, taskID string, paramsJSON []byte) (*store.Run, error) {
	entry, err := cp.Registry.Get(taskID)
	if err != nil {
		return nil, err
	}
	task, err := cp.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsEnabled {
		return nil, taskerr.Validation(fmt.Sprintf("task %q is disabled", taskID))
	}

	normalized, err := entry.Validator.Validate(paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerr.ErrValidation, err)
	}
	normalizedJSON, err := marshalParams(normalized)
	if err != nil {
		return nil, taskerr.Validation("re-encode validated params: " + err.Error())
	}

	runID := "r-" + uuid.NewString()[:8]
	run := &store.Run{
		RunID:       runID,
		TaskID:      task.TaskID,
		TaskVersion: task.Version,
		SchemaHash:  task.SchemaHash,
		Params:      normalizedJSON,
		Workdir:     filepath.Join(cp.RunsDir, runID),
	}
	if task.TimeoutSeconds != nil {
		deadline := time.Now().UTC().Add(time.Duration(*task.TimeoutSeconds) * time.Second)
		run.DeadlineAt = &deadline
	}
	if err := cp.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return cp.Store.GetRun(ctx, run.RunID)
}

// ListRuns filters by task_id/status/limit, ordered newest-first.
func (cp *ControlPlane) ListRuns(ctx context.Context, f store.ListRunsFilter) ([]*store.Run, error) {
	return cp.Store.ListRuns(ctx, f)
}

// GetRun returns the full Run view; Run.Duration() computes the
// wall-clock duration the spec calls for.
func (cp *ControlPlane) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return cp.Store.GetRun(ctx, runID)
}

// CancelRun marks cancellation requested and returns immediately; the
// owning worker's heartbeat loop observes the flag on its next poll.
func (cp *ControlPlane) CancelRun(ctx context.Context, runID string) error {
	return cp.Store.RequestCancel(ctx, runID)
}

// EventsPage is one Read Events response: items past cursor, and the new
// cursor to pass on the next call.
type EventsPage struct {
	Events []events.Event
	Cursor int
}

// ReadEvents returns events with seq > cursor. It reads the whole file on
// every call (events.Read already tolerates a partial trailing line from
// a concurrent writer) rather than maintaining a read offset, since
// events.jsonl is small and append-only for the life of a run.
func (cp *ControlPlane) ReadEvents(ctx context.Context, runID string, cursor int) (*EventsPage, error) {
	run, err := cp.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	all, err := events.Read(run.Workdir)
	if err != nil {
		return nil, err
	}
	newCursor := cursor
	var out []events.Event
	for _, e := range all {
		if e.Seq > cursor {
			out = append(out, e)
		}
		if e.Seq > newCursor {
			newCursor = e.Seq
		}
	}
	return &EventsPage{Events: out, Cursor: newCursor}, nil
}

// ReadArtifacts returns the run's parsed artifacts.json, or an empty
// index if the task produced none.
func (cp *ControlPlane) ReadArtifacts(ctx context.Context, runID string) (*events.ArtifactIndex, error) {
	run, err := cp.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	idx, err := events.ReadArtifacts(run.Workdir)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx = &events.ArtifactIndex{RunID: runID}
	}
	return idx, nil
}

// ResolveDownload resolves file_id against the run's artifacts.json and
// returns the absolute on-disk path, rejecting anything that is not a
// descendant of the run's workdir (spec.md §6/§9: path-traversal guard).
func (cp *ControlPlane) ResolveDownload(ctx context.Context, runID, fileID string) (string, error) {
	run, err := cp.Store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	idx, err := events.ReadArtifacts(run.Workdir)
	if err != nil {
		return "", err
	}
	if idx == nil {
		return "", taskerr.NotFound(fmt.Sprintf("no artifacts for run %q", runID))
	}

	var match *events.Artifact
	for i := range idx.Items {
		if idx.Items[i].FileID == fileID {
			match = &idx.Items[i]
			break
		}
	}
	if match == nil {
		return "", taskerr.NotFound(fmt.Sprintf("file %q not found in run %q artifacts", fileID, runID))
	}

	workdirAbs, err := filepath.Abs(run.Workdir)
	if err != nil {
		return "", taskerr.Storage("resolve workdir", err)
	}
	candidate := filepath.Join(workdirAbs, match.Path)
	candidateAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", taskerr.Storage("resolve artifact path", err)
	}
	if !strings.HasPrefix(candidateAbs, workdirAbs+string(filepath.Separator)) {
		return "", taskerr.Validation(fmt.Sprintf("artifact path %q escapes workdir", match.Path))
	}
	return candidateAbs, nil
}

func marshalParams(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}
