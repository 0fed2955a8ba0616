// Package reaper reclaims runs abandoned by dead workers: it scans for
// RUNNING runs whose lease expired more than a grace period ago, kills any
// process group still alive at the recorded PID, and finalizes the run
// FAILED. This is the only path that can override a lease a worker no
// longer renews — FinalizeRun's first-writer-wins guard means a worker
// that later tries to finalize the same run normally loses silently.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/workerregistry"
)

// KillGroupFunc terminates the process group rooted at pid if it is still
// alive. Implementations live in internal/executor, which owns the
// platform-specific (unix vs. stub) process-group primitives; reaper only
// depends on this narrow function type to avoid importing executor's
// full spawn/drain machinery.
type KillGroupFunc func(pid int)

// Config configures the reaper loop.
type Config struct {
	Store       store.Store
	Interval    time.Duration // default 60s, matching spec.md §4.8
	Grace       time.Duration // default 10s
	WorkerTTL   time.Duration // dead-worker prune threshold; default 90s
	KillGroup   KillGroupFunc
}

// Reaper periodically reclaims expired-lease runs.
type Reaper struct {
	cfg    Config
	mu     sync.Mutex
	running bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper, defaulting Interval/Grace/WorkerTTL if unset.
func New(cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.WorkerTTL <= 0 {
		cfg.WorkerTTL = 90 * time.Second
	}
	return &Reaper{cfg: cfg}
}

// Start begins the reap loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.runLoop(loopCtx)
	slog.Info("reaper started", "interval", r.cfg.Interval, "grace", r.cfg.Grace)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done
	slog.Info("reaper stopped")
}

func (r *Reaper) runLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reap pass: reclaim expired-lease runs, then prune dead
// worker rows. Exported so callers (and tests) can drive a pass
// synchronously instead of waiting on the ticker.
func (r *Reaper) Tick(ctx context.Context) {
	expired, err := r.cfg.Store.FindExpiredRuns(ctx, r.cfg.Grace)
	if err != nil {
		slog.Error("reaper: find expired runs failed", "error", err)
	}
	for _, run := range expired {
		r.reap(ctx, run)
	}

	if n, err := workerregistry.Prune(ctx, r.cfg.Store, r.cfg.WorkerTTL); err != nil {
		slog.Error("reaper: prune dead workers failed", "error", err)
	} else if n > 0 {
		slog.Info("reaper: pruned dead workers", "count", n)
	}
}

func (r *Reaper) reap(ctx context.Context, run *store.Run) {
	if run.WorkerPID > 0 && r.cfg.KillGroup != nil {
		r.cfg.KillGroup(run.WorkerPID)
	}
	if err := r.cfg.Store.FinalizeRun(ctx, run.RunID, store.RunFailed, nil, "Lease expired (Reaped)"); err != nil {
		slog.Error("reaper: finalize failed", "run_id", run.RunID, "error", err)
		return
	}
	slog.Warn("reaper: reclaimed abandoned run", "run_id", run.RunID, "worker_pid", run.WorkerPID, "lease_owner", run.LeaseOwner)
}
