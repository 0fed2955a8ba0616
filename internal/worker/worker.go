// Package worker runs the dispatch loop a worker process uses to turn
// queued Runs into executed ones: poll the Store for a lease, hand
// anything claimed to the Executor, repeat. It is the process-level
// driver around internal/executor and internal/store's AcquireLease,
// the lease-acquisition step spec.md §4.4 calls the Dispatcher.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/executor"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/workerregistry"
)

// Config configures one worker process.
type Config struct {
	Store           store.Store
	Executor        *executor.Executor
	WorkerID        string
	LeaseDuration   time.Duration
	PollInterval    time.Duration // default 1s
	Concurrency     int           // max Runs this process executes at once; default 1
	HeartbeatPeriod time.Duration // default 15s
}

// Worker polls for leased Runs and executes them, reporting its own
// liveness to the worker registry alongside.
type Worker struct {
	cfg Config
	reg *workerregistry.Registry

	sem chan struct{}
	wg  sync.WaitGroup

	activeMu  sync.Mutex
	activeRun string // current_run_id reported by the heartbeat loop; "" when idle

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Worker, defaulting PollInterval/Concurrency/HeartbeatPeriod.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 15 * time.Second
	}
	reg, err := workerregistry.New(ctx, cfg.Store, cfg.WorkerID)
	if err != nil {
		return nil, err
	}
	return &Worker{cfg: cfg, reg: reg, sem: make(chan struct{}, cfg.Concurrency)}, nil
}

// Start begins the dispatch-poll loop and the heartbeat loop in
// background goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go func() {
		defer close(w.done)
		var hbWG sync.WaitGroup
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			w.heartbeatLoop(loopCtx)
		}()
		w.dispatchLoop(loopCtx)
		hbWG.Wait()
		w.wg.Wait() // let in-flight executions finish draining their goroutines
	}()
	slog.Info("worker started", "worker_id", w.cfg.WorkerID, "concurrency", w.cfg.Concurrency)
}

// Stop signals the loops to exit and waits for them to settle. In-flight
// Run executions are NOT canceled — they run to completion or until the
// reaper reclaims them, matching spec.md's lease-not-process model.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	done := w.done
	w.mu.Unlock()

	<-done
	slog.Info("worker stopped", "worker_id", w.cfg.WorkerID)
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tryDispatch(ctx)
		}
	}
}

// tryDispatch claims at most one run per tick, and only while a concurrency
// slot is free; a busy worker simply skips claiming until a slot frees up.
func (w *Worker) tryDispatch(ctx context.Context) {
	select {
	case w.sem <- struct{}{}:
	default:
		return // at capacity
	}

	run, err := w.cfg.Store.AcquireLease(ctx, w.cfg.WorkerID, w.cfg.LeaseDuration)
	if err != nil {
		slog.Error("worker: acquire lease failed", "error", err)
		<-w.sem
		return
	}
	if run == nil {
		<-w.sem
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		w.setActiveRun(run.RunID)
		_ = w.reg.Heartbeat(ctx, store.WorkerBusy, run.RunID)
		if err := w.cfg.Executor.Execute(ctx, run); err != nil {
			slog.Error("worker: execute failed", "run_id", run.RunID, "error", err)
		}
		w.setActiveRun("")
	}()
}

func (w *Worker) setActiveRun(runID string) {
	w.activeMu.Lock()
	w.activeRun = runID
	w.activeMu.Unlock()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.activeMu.Lock()
			runID := w.activeRun
			w.activeMu.Unlock()

			status := store.WorkerIdle
			if runID != "" {
				status = store.WorkerBusy
			}
			if err := w.reg.Heartbeat(ctx, status, runID); err != nil {
				slog.Error("worker: heartbeat failed", "error", err)
			}
		}
	}
}
