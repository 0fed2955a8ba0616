// Package workerregistry wraps the Store's worker-heartbeat operations. It
// is observability-only: the dispatcher never consults worker_heartbeats
// to make scheduling decisions, and a row going stale here has no effect
// on run leasing, which is governed entirely by the run's own
// lease_expires_at.
package workerregistry

import (
	"context"
	"os"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

// Registry registers a worker process and keeps its liveness row current.
type Registry struct {
	Store    store.Store
	WorkerID string
}

// New registers workerID immediately in IDLE status and returns a handle
// for subsequent heartbeats.
func New(ctx context.Context, s store.Store, workerID string) (*Registry, error) {
	hostname, _ := os.Hostname()
	if err := s.RegisterWorker(ctx, workerID, hostname, os.Getpid()); err != nil {
		return nil, err
	}
	return &Registry{Store: s, WorkerID: workerID}, nil
}

// Heartbeat reports current activity, matching worker.py's
// worker_status_loop cadence (every ~15s from the caller's ticker).
func (r *Registry) Heartbeat(ctx context.Context, status store.WorkerStatus, currentRunID string) error {
	return r.Store.HeartbeatWorker(ctx, r.WorkerID, status, currentRunID)
}

// ListActive returns workers whose last heartbeat is within timeout.
func ListActive(ctx context.Context, s store.Store, timeout time.Duration) ([]*store.WorkerHeartbeat, error) {
	return s.ListActiveWorkers(ctx, timeout)
}

// Prune deletes heartbeat rows older than timeout, returning the count
// removed. Called from the reaper's tick alongside lease reclamation —
// it cleans up rows left behind by workers that crashed without
// deregistering, nothing more.
func Prune(ctx context.Context, s store.Store, timeout time.Duration) (int, error) {
	return s.PruneDeadWorkers(ctx, timeout)
}
