// Package executor spawns a run's child process in its own process
// group, supervises it with the heartbeat/cancel loop and stdout/stderr
// drains running concurrently, and finalizes the run once the child
// exits or is killed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/heartbeat"
	"github.com/taskhub/taskhub/internal/registry"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// gracefulShutdownWindow is how long a killed process group is given to
// exit after SIGTERM before the executor escalates to SIGKILL.
const gracefulShutdownWindow = 5 * time.Second

// Executor runs leased runs to completion.
type Executor struct {
	Store      store.Store
	Registry   *registry.Registry
	RunsDir    string // base directory; each run gets RunsDir/<run_id>
	WorkerID   string
}

// New creates an Executor.
func New(s store.Store, reg *registry.Registry, runsDir, workerID string) *Executor {
	return &Executor{Store: s, Registry: reg, RunsDir: runsDir, WorkerID: workerID}
}

// Execute runs one leased Run to completion: builds its workdir, renders
// its command from the registry entry, spawns the child in a new process
// group, supervises it, and finalizes its terminal status. It returns
// only storage/programming errors — a failed or canceled child process is
// reported via FinalizeRun, not as a Go error.
func (e *Executor) Execute(ctx context.Context, run *store.Run) error {
	workdir := filepath.Join(e.RunsDir, run.RunID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return e.fail(ctx, run, fmt.Sprintf("create workdir: %v", err))
	}
	run.Workdir = workdir

	entry, err := e.Registry.Get(run.TaskID)
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("task definition not found: %v", err))
	}

	params, err := entry.Validator.Validate(run.Params)
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("build command failed: %v", err))
	}
	argv, err := entry.Template.Render(params)
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("build command failed: %v", err))
	}
	if len(argv) == 0 {
		return e.fail(ctx, run, "task definition produced an empty command")
	}

	cmd := exec.CommandContext(context.Background(), argv[0], argv[1:]...) // detached from ctx: we control its lifetime via the process group, not ctx cancellation
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TASKHUB_RUN_ID="+run.RunID, "TASKHUB_TASK_ID="+run.TaskID)
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("create stdout pipe: %v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("create stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return e.fail(ctx, run, fmt.Sprintf("spawn process: %v", err))
	}

	pid := cmd.Process.Pid
	pgid := processGroupID(pid)
	if err := e.Store.RecordPID(ctx, run.RunID, pid); err != nil {
		// The reaper can only find this run by PID once it's persisted;
		// if persisting fails we must not leave an untracked orphan.
		killProcessGroupNow(pgid)
		_ = cmd.Wait()
		return e.fail(ctx, run, "failed to persist pid")
	}

	eventsWriter, err := events.NewWriter(workdir, run.RunID)
	if err != nil {
		slog.Warn("open events writer failed", "run_id", run.RunID, "error", err)
	} else {
		defer eventsWriter.Close()
	}

	var deadline time.Time
	if run.DeadlineAt != nil {
		deadline = *run.DeadlineAt
	}
	hb := heartbeat.NewService(heartbeat.Config{
		Store:         e.Store,
		WorkerID:      e.WorkerID,
		RunID:         run.RunID,
		LeaseDuration: 30 * time.Second,
		Deadline:      deadline,
		Kill: func() {
			killProcessGroup(pgid, gracefulShutdownWindow, func() bool { return isProcessAlive(pid) })
		},
	})
	hb.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := drainStream(stdoutPipe, filepath.Join(workdir, "stdout.log"), eventsWriter, run.RunID, "stdout"); err != nil {
			slog.Warn("drain stdout failed", "run_id", run.RunID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := drainStream(stderrPipe, filepath.Join(workdir, "stderr.log"), nil, run.RunID, "stderr"); err != nil {
			slog.Warn("drain stderr failed", "run_id", run.RunID, "error", err)
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	hb.Stop()
	stopReason := hb.Wait()

	// The heartbeat loop only notices a cancellation request on its next
	// ~1s poll tick. If the child exits naturally in that same window, Stop
	// short-circuits the loop before it ever sees cancel_requested_at, and
	// stopReason comes back nil. Re-check directly rather than trusting
	// exit-code classification to win the race.
	if stopReason == nil {
		if canceled, err := e.Store.PollCancel(ctx, run.RunID); err != nil {
			slog.Warn("post-exit cancel poll failed", "run_id", run.RunID, "error", err)
		} else if canceled {
			stopReason = taskerr.ErrCanceled
		}
	}

	return e.finalize(ctx, run, waitErr, stopReason)
}

func (e *Executor) finalize(ctx context.Context, run *store.Run, waitErr, stopReason error) error {
	switch {
	case errors.Is(stopReason, taskerr.ErrCanceled):
		return e.Store.FinalizeRun(ctx, run.RunID, store.RunCanceled, nil, "Canceled by user")
	case errors.Is(stopReason, taskerr.ErrLeaseLost):
		// The reaper (or another worker) already owns this run's outcome;
		// FinalizeRun's first-writer-wins guard makes this a no-op.
		return nil
	case stopReason != nil:
		return e.Store.FinalizeRun(ctx, run.RunID, store.RunFailed, nil, stopReason.Error())
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if waitErr != nil {
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return e.fail(ctx, run, fmt.Sprintf("process wait failed: %v", waitErr))
		}
	}

	if exitCode == 0 {
		return e.Store.FinalizeRun(ctx, run.RunID, store.RunSucceeded, &exitCode, "")
	}
	return e.Store.FinalizeRun(ctx, run.RunID, store.RunFailed, &exitCode, fmt.Sprintf("process exited with %d", exitCode))
}

func (e *Executor) fail(ctx context.Context, run *store.Run, msg string) error {
	slog.Error("run failed before completion", "run_id", run.RunID, "error", msg)
	return e.Store.FinalizeRun(ctx, run.RunID, store.RunFailed, nil, msg)
}
