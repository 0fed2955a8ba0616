package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// RegisterWorker upserts a worker's boot-time heartbeat row in IDLE status.
func (s *Store) RegisterWorker(ctx context.Context, workerID, hostname string, pid int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, hostname, pid, status, current_run_id, last_heartbeat)
		VALUES ($1, $2, $3, $4, '', $5)
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname=excluded.hostname, pid=excluded.pid, status=excluded.status,
			current_run_id='', last_heartbeat=excluded.last_heartbeat
	`, workerID, hostname, pid, string(store.WorkerIdle), nowUTC())
	if err != nil {
		return taskerr.Storage("register worker", err)
	}
	return nil
}

// HeartbeatWorker records a worker's liveness and current activity.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID string, status store.WorkerStatus, currentRunID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_heartbeats SET last_heartbeat = $1, status = $2, current_run_id = $3
		WHERE worker_id = $4
	`, nowUTC(), string(status), currentRunID, workerID)
	if err != nil {
		return taskerr.Storage("heartbeat worker", err)
	}
	return nil
}

// ListActiveWorkers returns workers whose last heartbeat is within timeout.
func (s *Store) ListActiveWorkers(ctx context.Context, timeout time.Duration) ([]*store.WorkerHeartbeat, error) {
	threshold := nowUTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, workerSelectColumns+` WHERE last_heartbeat > $1`, threshold)
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

// PruneDeadWorkers deletes heartbeat rows older than timeout.
func (s *Store) PruneDeadWorkers(ctx context.Context, timeout time.Duration) (int, error) {
	threshold := nowUTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE last_heartbeat < $1`, threshold)
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
	var status string
	err := row.Scan(&w.WorkerID, &w.Hostname, &w.PID, &status, &w.CurrentRunID, &w.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, taskerr.NotFound("worker not found")
	}
	if err != nil {
		return nil, taskerr.Storage("scan worker", err)
	}
	w.Status = store.WorkerStatus(status)
	return &w, nil
}
