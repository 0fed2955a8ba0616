package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// leaseCandidates is how many head-of-queue entries AcquireLease scans
// before giving up, so a task pinned at its concurrency limit cannot block
// every run behind it in the queue.
const leaseCandidates = 10

// CreateRun inserts a run in QUEUED status and enqueues it in the same
// transaction, so a run can never exist without a corresponding queue
// entry (or vice versa).
func (s *Store) CreateRun(ctx context.Context, r *store.Run) error {
	now := nowUTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Status = store.RunQueued

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taskerr.Storage("begin create run tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, task_id, task_version, schema_hash, status, params, workdir,
			created_at, deadline_at, lease_owner, worker_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)
	`, r.RunID, r.TaskID, r.TaskVersion, r.SchemaHash, string(r.Status), string(r.Params), r.Workdir,
		timeToStr(r.CreatedAt), timePtrToStr(r.DeadlineAt))
	if err != nil {
		return taskerr.Storage("insert run", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_queue (run_id, priority, enqueued_at) VALUES (?, 0, ?)
	`, r.RunID, timeToStr(r.CreatedAt))
	if err != nil {
		return taskerr.Storage("enqueue run", err)
	}

	if err := tx.Commit(); err != nil {
		return taskerr.Storage("commit create run", err)
	}
	return nil
}

// GetRun returns one run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListRuns lists runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, f store.ListRunsFilter) ([]*store.Run, error) {
	query := runSelectColumns + ` WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.Storage("list runs", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AcquireLease is the dispatcher's core primitive. It scans up to
// leaseCandidates queue entries in priority/enqueued order, skipping any
// run whose task has already hit its concurrency limit (so one saturated
// task cannot head-of-line-block the rest of the queue), and claims the
// first eligible one by deleting its queue row and checking the delete
// actually removed a row — a concurrent worker process racing the same
// scan will see rowsAffected == 0 and move on instead of double-claiming.
func (s *Store) AcquireLease(ctx context.Context, workerID string, leaseDuration time.Duration) (*store.Run, error) {
	now := nowUTC()
	leaseExpiry := now.Add(leaseDuration)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taskerr.Storage("begin acquire lease tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id FROM run_queue ORDER BY priority DESC, enqueued_at ASC LIMIT ?
	`, leaseCandidates)
	if err != nil {
		return nil, taskerr.Storage("scan queue candidates", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, taskerr.Storage("scan candidate id", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, taskerr.Storage("iterate candidates", err)
	}

	for _, runID := range candidateIDs {
		run, err := scanRun(tx.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = ?`, runID))
		if err != nil {
			if taskerrIsNotFound(err) {
				// Queue entry outlived its run (shouldn't happen given
				// the shared-transaction insert, but stay defensive).
				if _, derr := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, runID); derr != nil {
					return nil, taskerr.Storage("drop orphan queue entry", derr)
				}
				continue
			}
			return nil, err
		}

		task, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT task_id, name, description, tags, version, params_schema, schema_hash,
				concurrency_limit, timeout_seconds, is_enabled, created_at, updated_at
			FROM tasks WHERE task_id = ?`, run.TaskID))
		if err != nil {
			if taskerrIsNotFound(err) {
				if _, ferr := tx.ExecContext(ctx, `
					UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?
				`, string(store.RunFailed), "task definition not found", timeToStr(now), runID); ferr != nil {
					return nil, taskerr.Storage("fail orphan run", ferr)
				}
				if _, derr := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, runID); derr != nil {
					return nil, taskerr.Storage("drop orphan queue entry", derr)
				}
				continue
			}
			return nil, err
		}

		if task.ConcurrencyLimit != nil {
			var runningCount int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM runs WHERE task_id = ? AND status = ? AND lease_expires_at > ?
			`, task.TaskID, string(store.RunRunning), timeToStr(now)).Scan(&runningCount)
			if err != nil {
				return nil, taskerr.Storage("count running", err)
			}
			if runningCount >= *task.ConcurrencyLimit {
				continue
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, runID)
		if err != nil {
			return nil, taskerr.Storage("claim delete queue entry", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, taskerr.Storage("claim rows affected", err)
		}
		if n == 0 {
			// Lost the race to another worker process between our scan
			// and this delete; try the next candidate.
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
			WHERE run_id = ?
		`, string(store.RunRunning), timeToStr(now), workerID, timeToStr(leaseExpiry), runID)
		if err != nil {
			return nil, taskerr.Storage("claim update run", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, taskerr.Storage("commit acquire lease", err)
		}

		run.Status = store.RunRunning
		run.StartedAt = &now
		run.LeaseOwner = workerID
		run.LeaseExpiresAt = &leaseExpiry
		return run, nil
	}

	return nil, nil
}

// ExtendLease renews a held lease and reports whether the caller still
// holds it: it affects zero rows once the run has finalized or the lease
// was reassigned (e.g. reaped), which callers use to stop their own
// child process rather than keep heartbeating a run nobody owns anymore.
func (s *Store) ExtendLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	newExpiry := nowUTC().Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = ?
		WHERE run_id = ? AND lease_owner = ? AND status = ?
	`, timeToStr(newExpiry), runID, workerID, string(store.RunRunning))
	if err != nil {
		return false, taskerr.Storage("extend lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, taskerr.Storage("extend lease rows affected", err)
	}
	return n > 0, nil
}

// RecordPID stores the worker-observed PID of the spawned child as soon as
// it is known, so the reaper can target the right process group even if
// the worker crashes moments later.
func (s *Store) RecordPID(ctx context.Context, runID string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET worker_pid = ? WHERE run_id = ?`, pid, runID)
	if err != nil {
		return taskerr.Storage("record pid", err)
	}
	return nil
}

// PollCancel reports whether cancellation has been requested for a run.
// It is intentionally a narrow single-column read so the heartbeat loop
// can call it every second without the cost of a full run scan.
func (s *Store) PollCancel(ctx context.Context, runID string) (bool, error) {
	var cancelAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested_at FROM runs WHERE run_id = ?`, runID).Scan(&cancelAt)
	if err == sql.ErrNoRows {
		return false, taskerr.NotFound("run not found")
	}
	if err != nil {
		return false, taskerr.Storage("poll cancel", err)
	}
	return cancelAt.Valid, nil
}

// RequestCancel marks a run for cancellation if it has not already
// finished; the heartbeat loop observes this on its next poll and tears
// down the child process group.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested_at = ?
		WHERE run_id = ? AND status IN (?, ?) AND cancel_requested_at IS NULL
	`, timeToStr(nowUTC()), runID, string(store.RunQueued), string(store.RunRunning))
	if err != nil {
		return taskerr.Storage("request cancel", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already terminal, already canceled, or unknown: idempotent no-op.
		return nil
	}
	return nil
}

// FinalizeRun transitions a run to a terminal status exactly once.
// First-writer-wins: the WHERE clause only matches runs still in RUNNING
// (or QUEUED, for runs that fail validation before ever leasing), so a
// worker that loses its lease to the reaper and then tries to finalize
// normally is silently ignored rather than overwriting the reaper's
// FAILED/"Reaped" outcome.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status store.RunStatus, exitCode *int, errMsg string) error {
	if err := store.ValidateRunStatus(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, lease_expires_at = NULL, exit_code = COALESCE(?, exit_code), error = CASE WHEN ? != '' THEN ? ELSE error END
		WHERE run_id = ? AND status NOT IN (?, ?, ?)
	`, string(status), timeToStr(nowUTC()), intPtrToNull(exitCode), errMsg, errMsg, runID,
		string(store.RunSucceeded), string(store.RunFailed), string(store.RunCanceled))
	if err != nil {
		return taskerr.Storage("finalize run", err)
	}
	// Also clear any stray queue entry: a run can be finalized before it
	// was ever leased (e.g. validation failure), in which case it is
	// still sitting in run_queue.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, runID); err != nil {
		return taskerr.Storage("clear queue entry on finalize", err)
	}
	return nil
}

// FindExpiredRuns returns RUNNING runs whose lease expired more than grace
// ago, for the reaper to reclaim.
func (s *Store) FindExpiredRuns(ctx context.Context, grace time.Duration) ([]*store.Run, error) {
	threshold := nowUTC().Add(-grace)
	rows, err := s.db.QueryContext(ctx, runSelectColumns+`
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, string(store.RunRunning), timeToStr(threshold))
	if err != nil {
		return nil, taskerr.Storage("find expired runs", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const runSelectColumns = `
	SELECT run_id, task_id, task_version, schema_hash, status, params, workdir,
		created_at, started_at, finished_at, deadline_at, exit_code, error,
		cancel_requested_at, lease_owner, lease_expires_at, worker_pid
	FROM runs`

func scanRun(row rowScanner) (*store.Run, error) {
	var r store.Run
	var status string
	var createdAt string
	var startedAt, finishedAt, deadlineAt, cancelRequestedAt, leaseExpiresAt sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(&r.RunID, &r.TaskID, &r.TaskVersion, &r.SchemaHash, &status, &r.Params, &r.Workdir,
		&createdAt, &startedAt, &finishedAt, &deadlineAt, &exitCode, &r.Error,
		&cancelRequestedAt, &r.LeaseOwner, &leaseExpiresAt, &r.WorkerPID)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("run not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan run", err)
	}
	r.Status = store.RunStatus(status)

	ca, err := strToTimePtr(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return nil, taskerr.Storage("parse created_at", err)
	}
	r.CreatedAt = *ca

	if r.StartedAt, err = strToTimePtr(startedAt); err != nil {
		return nil, taskerr.Storage("parse started_at", err)
	}
	if r.FinishedAt, err = strToTimePtr(finishedAt); err != nil {
		return nil, taskerr.Storage("parse finished_at", err)
	}
	if r.DeadlineAt, err = strToTimePtr(deadlineAt); err != nil {
		return nil, taskerr.Storage("parse deadline_at", err)
	}
	if r.CancelRequestedAt, err = strToTimePtr(cancelRequestedAt); err != nil {
		return nil, taskerr.Storage("parse cancel_requested_at", err)
	}
	if r.LeaseExpiresAt, err = strToTimePtr(leaseExpiresAt); err != nil {
		return nil, taskerr.Storage("parse lease_expires_at", err)
	}
	r.ExitCode = nullToIntPtr(exitCode)
	return &r, nil
}

func taskerrIsNotFound(err error) bool {
	return errors.Is(err, taskerr.ErrNotFound)
}
