// Package heartbeat runs the per-run lease/cancel loop a worker keeps
// alive for as long as a child process executes: it polls for a
// cancellation request, renews the run's lease before it expires, and
// enforces the task's timeout, killing the process group the moment any
// of those three conditions fire.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// pollInterval is how often the loop checks for a cancellation request,
// matching the original worker's 1-second cancel-poll cadence.
const pollInterval = 1 * time.Second

// KillFunc terminates the run's child process group.
type KillFunc func()

// Config configures one run's heartbeat/cancel loop.
type Config struct {
	Store         store.Store
	WorkerID      string
	RunID         string
	LeaseDuration time.Duration
	Deadline      time.Time // zero means no task-level timeout
	Kill          KillFunc
}

// Service manages the heartbeat/cancel loop for a single in-flight run.
// One Service is created per run execution and discarded when it ends;
// it is not reused across runs.
type Service struct {
	cfg     Config
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	result  error
}

// NewService creates a heartbeat loop for one run. LeaseDuration defaults
// to 30s if unset, matching the dispatcher's default lease.
func NewService(cfg Config) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	return &Service{cfg: cfg, done: make(chan struct{})}
}

// Start begins the loop in a background goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	go s.loop(loopCtx)
}

// Stop halts the loop without killing the process group — used once the
// child has already exited on its own and no further lease renewal is
// needed.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

// Wait blocks until the loop has stopped (either via Stop, or because it
// detected cancellation/lease loss/timeout and killed the process group
// itself) and returns the reason it stopped, or nil for a clean Stop.
func (s *Service) Wait() error {
	<-s.done
	return s.result
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastExtend := time.Now()
	extendEvery := s.cfg.LeaseDuration / 3

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.cfg.Deadline.IsZero() && time.Now().After(s.cfg.Deadline) {
				slog.Warn("run exceeded task timeout, killing process group", "run_id", s.cfg.RunID)
				s.killAndStop(taskerr.State("Task timeout exceeded"))
				return
			}

			canceled, err := s.cfg.Store.PollCancel(ctx, s.cfg.RunID)
			if err != nil {
				if errors.Is(err, taskerr.ErrNotFound) {
					return
				}
				slog.Warn("poll cancel failed", "run_id", s.cfg.RunID, "error", err)
			} else if canceled {
				slog.Info("cancellation requested, killing process group", "run_id", s.cfg.RunID)
				s.killAndStop(taskerr.ErrCanceled)
				return
			}

			if time.Since(lastExtend) >= extendEvery {
				ok, err := s.cfg.Store.ExtendLease(ctx, s.cfg.RunID, s.cfg.WorkerID, s.cfg.LeaseDuration)
				if err != nil {
					slog.Warn("extend lease failed", "run_id", s.cfg.RunID, "error", err)
					continue
				}
				if !ok {
					slog.Warn("lease lost, killing process group", "run_id", s.cfg.RunID, "worker_id", s.cfg.WorkerID)
					s.killAndStop(taskerr.ErrLeaseLost)
					return
				}
				lastExtend = time.Now()
			}
		}
	}
}

func (s *Service) killAndStop(reason error) {
	s.mu.Lock()
	s.running = false
	s.result = reason
	s.mu.Unlock()
	if s.cfg.Kill != nil {
		s.cfg.Kill()
	}
}
