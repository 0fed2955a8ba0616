package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// RegisterWorker upserts a worker's boot-time heartbeat row in IDLE status,
// clearing any stale current_run_id left over from a previous process with
// the same worker_id.
func (s *Store) RegisterWorker(ctx context.Context, workerID, hostname string, pid int) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, hostname, pid, status, current_run_id, last_heartbeat)
		VALUES (?, ?, ?, ?, '', ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			hostname=excluded.hostname, pid=excluded.pid, status=excluded.status,
			current_run_id='', last_heartbeat=excluded.last_heartbeat
	`, workerID, hostname, pid, string(store.WorkerIdle), timeToStr(now))
	if err != nil {
		return taskerr.Storage("register worker", err)
	}
	return nil
}

// HeartbeatWorker records a worker's liveness and current activity. This is
// observability-only: the dispatcher never reads worker_heartbeats to make
// scheduling decisions.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID string, status store.WorkerStatus, currentRunID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_heartbeats SET last_heartbeat = ?, status = ?, current_run_id = ?
		WHERE worker_id = ?
	`, timeToStr(nowUTC()), string(status), currentRunID, workerID)
	if err != nil {
		return taskerr.Storage("heartbeat worker", err)
	}
	return nil
}

// ListActiveWorkers returns workers whose last heartbeat is within timeout.
func (s *Store) ListActiveWorkers(ctx context.Context, timeout time.Duration) ([]*store.WorkerHeartbeat, error) {
	threshold := nowUTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, workerSelectColumns+` WHERE last_heartbeat > ?`, timeToStr(threshold))
	if err != nil {
		return nil, taskerr.Storage("list active workers", err)
	}
	defer rows.Close()
	var out []*store.WorkerHeartbeat
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneDeadWorkers deletes heartbeat rows older than timeout and returns
// the count removed.
func (s *Store) PruneDeadWorkers(ctx context.Context, timeout time.Duration) (int, error) {
	threshold := nowUTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE last_heartbeat < ?`, timeToStr(threshold))
	if err != nil {
		return 0, taskerr.Storage("prune dead workers", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, taskerr.Storage("prune rows affected", err)
	}
	return int(n), nil
}

const workerSelectColumns = `
	SELECT worker_id, hostname, pid, status, current_run_id, last_heartbeat
	FROM worker_heartbeats`

func scanWorker(row rowScanner) (*store.WorkerHeartbeat, error) {
	var w store.WorkerHeartbeat
	var status, lastHeartbeat string
	err := row.Scan(&w.WorkerID, &w.Hostname, &w.PID, &status, &w.CurrentRunID, &lastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("worker not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan worker", err)
	}
	w.Status = store.WorkerStatus(status)
	t, err := strToTimePtr(sql.NullString{String: lastHeartbeat, Valid: true})
	if err != nil {
		return nil, taskerr.Storage("parse last_heartbeat", err)
	}
	w.LastHeartbeat = *t
	return &w, nil
}
