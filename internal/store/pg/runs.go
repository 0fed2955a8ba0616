package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// leaseCandidates mirrors the sqlite backend's head-of-queue scan width.
const leaseCandidates = 10

// CreateRun inserts a run in QUEUED status and enqueues it in the same
// transaction.
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', 0)
	`, r.RunID, r.TaskID, r.TaskVersion, r.SchemaHash, string(r.Status), string(r.Params), r.Workdir,
		r.CreatedAt, nullTime(r.DeadlineAt))
	if err != nil {
		return taskerr.Storage("insert run", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_queue (run_id, priority, enqueued_at) VALUES ($1, 0, $2)
	`, r.RunID, r.CreatedAt)
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
	return scanRun(s.db.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = $1`, runID))
}

// ListRuns lists runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, f store.ListRunsFilter) ([]*store.Run, error) {
	query := runSelectColumns + ` WHERE 1=1`
	var args []any
	n := 0
	if f.TaskID != "" {
		n++
		query += placeholder("AND task_id = ", n)
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		n++
		query += placeholder("AND status = ", n)
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		n++
		query += placeholder("LIMIT ", n)
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

// AcquireLease mirrors the sqlite backend's claim algorithm: scan up to
// leaseCandidates queue entries in priority/enqueued order, skip runs
// whose task is already at its concurrency limit, and claim the first
// eligible one via delete-then-rowsAffected so a concurrent worker
// process racing the same scan loses cleanly instead of double-claiming.
func (s *Store) AcquireLease(ctx context.Context, workerID string, leaseDuration time.Duration) (*store.Run, error) {
	now := nowUTC()
	leaseExpiry := now.Add(leaseDuration)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taskerr.Storage("begin acquire lease tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id FROM run_queue ORDER BY priority DESC, enqueued_at ASC LIMIT $1
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
		run, err := scanRun(tx.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = $1`, runID))
		if err != nil {
			if taskerrIsNotFound(err) {
				if _, derr := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID); derr != nil {
					return nil, taskerr.Storage("drop orphan queue entry", derr)
				}
				continue
			}
			return nil, err
		}

		task, err := scanTask(tx.QueryRowContext(ctx, taskSelectColumns+` WHERE task_id = $1`, run.TaskID))
		if err != nil {
			if taskerrIsNotFound(err) {
				if _, ferr := tx.ExecContext(ctx, `
					UPDATE runs SET status = $1, error = $2, finished_at = $3 WHERE run_id = $4
				`, string(store.RunFailed), "task definition not found", now, runID); ferr != nil {
					return nil, taskerr.Storage("fail orphan run", ferr)
				}
				if _, derr := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID); derr != nil {
					return nil, taskerr.Storage("drop orphan queue entry", derr)
				}
				continue
			}
			return nil, err
		}

		if task.ConcurrencyLimit != nil {
			var runningCount int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM runs WHERE task_id = $1 AND status = $2 AND lease_expires_at > $3
			`, task.TaskID, string(store.RunRunning), now).Scan(&runningCount)
			if err != nil {
				return nil, taskerr.Storage("count running", err)
			}
			if runningCount >= *task.ConcurrencyLimit {
				continue
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID)
		if err != nil {
			return nil, taskerr.Storage("claim delete queue entry", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, taskerr.Storage("claim rows affected", err)
		}
		if n == 0 {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, started_at = $2, lease_owner = $3, lease_expires_at = $4
			WHERE run_id = $5
		`, string(store.RunRunning), now, workerID, leaseExpiry, runID)
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
// holds it.
func (s *Store) ExtendLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	newExpiry := nowUTC().Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = $1
		WHERE run_id = $2 AND lease_owner = $3 AND status = $4
	`, newExpiry, runID, workerID, string(store.RunRunning))
	if err != nil {
		return false, taskerr.Storage("extend lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, taskerr.Storage("extend lease rows affected", err)
	}
	return n > 0, nil
}

// RecordPID stores the worker-observed PID of the spawned child.
func (s *Store) RecordPID(ctx context.Context, runID string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET worker_pid = $1 WHERE run_id = $2`, pid, runID)
	if err != nil {
		return taskerr.Storage("record pid", err)
	}
	return nil
}

// PollCancel reports whether cancellation has been requested for a run.
func (s *Store) PollCancel(ctx context.Context, runID string) (bool, error) {
	var cancelAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested_at FROM runs WHERE run_id = $1`, runID).Scan(&cancelAt)
	if err == sql.ErrNoRows {
		return false, taskerr.NotFound("run not found")
	}
	if err != nil {
		return false, taskerr.Storage("poll cancel", err)
	}
	return cancelAt.Valid, nil
}

// RequestCancel marks a run for cancellation if it has not already finished.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested_at = $1
		WHERE run_id = $2 AND status IN ($3, $4) AND cancel_requested_at IS NULL
	`, nowUTC(), runID, string(store.RunQueued), string(store.RunRunning))
	if err != nil {
		return taskerr.Storage("request cancel", err)
	}
	return nil
}

// FinalizeRun transitions a run to a terminal status exactly once,
// first-writer-wins.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status store.RunStatus, exitCode *int, errMsg string) error {
	if err := store.ValidateRunStatus(status); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, finished_at = $2, lease_expires_at = NULL,
			exit_code = COALESCE($3, exit_code),
			error = CASE WHEN $4 != '' THEN $4 ELSE error END
		WHERE run_id = $5 AND status NOT IN ($6, $7, $8)
	`, string(status), nowUTC(), nilInt(exitCode), errMsg, runID,
		string(store.RunSucceeded), string(store.RunFailed), string(store.RunCanceled))
	if err != nil {
		return taskerr.Storage("finalize run", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID); err != nil {
		return taskerr.Storage("clear queue entry on finalize", err)
	}
	return nil
}

// FindExpiredRuns returns RUNNING runs whose lease expired more than grace
// ago, for the reaper to reclaim.
func (s *Store) FindExpiredRuns(ctx context.Context, grace time.Duration) ([]*store.Run, error) {
	threshold := nowUTC().Add(-grace)
	rows, err := s.db.QueryContext(ctx, runSelectColumns+`
		WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
	`, string(store.RunRunning), threshold)
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
	var startedAt, finishedAt, deadlineAt, cancelRequestedAt, leaseExpiresAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&r.RunID, &r.TaskID, &r.TaskVersion, &r.SchemaHash, &status, &r.Params, &r.Workdir,
		&r.CreatedAt, &startedAt, &finishedAt, &deadlineAt, &exitCode, &r.Error,
		&cancelRequestedAt, &r.LeaseOwner, &leaseExpiresAt, &r.WorkerPID)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("run not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan run", err)
	}
	r.Status = store.RunStatus(status)
	r.StartedAt = derefTime(startedAt)
	r.FinishedAt = derefTime(finishedAt)
	r.DeadlineAt = derefTime(deadlineAt)
	r.CancelRequestedAt = derefTime(cancelRequestedAt)
	r.LeaseExpiresAt = derefTime(leaseExpiresAt)
	r.ExitCode = derefInt(exitCode)
	return &r, nil
}

func taskerrIsNotFound(err error) bool {
	return errors.Is(err, taskerr.ErrNotFound)
}

// placeholder appends an AND/LIMIT clause with a $n positional parameter;
// Postgres numbers its parameters where the sqlite backend uses plain "?".
func placeholder(clause string, n int) string {
	return " " + clause + "$" + strconv.Itoa(n)
}
