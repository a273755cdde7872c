package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// HeartbeatRecord is one journaled heartbeat with its delivery outcome.
type HeartbeatRecord struct {
	domain.Heartbeat
	Delivered bool
	CreatedAt int64
}

// HeartbeatRepo journals heartbeats sent to the task graph.
type HeartbeatRepo struct{}

// Record inserts a heartbeat.
func (r *HeartbeatRepo) Record(ctx context.Context, db *sql.DB, hb domain.Heartbeat, delivered bool, ts int64) error {
	const q = `INSERT INTO heartbeats (executor_id, status, last_screen_state, delivered, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, hb.ExecutorID, hb.Status, hb.LastScreenState, boolToInt(delivered), ts)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// Latest returns the most recent heartbeat for an executor, or nil.
func (r *HeartbeatRepo) Latest(ctx context.Context, db *sql.DB, executorID string) (*HeartbeatRecord, error) {
	const q = `SELECT executor_id, status, last_screen_state, delivered, created_at
FROM heartbeats
WHERE executor_id = ?
ORDER BY id DESC
LIMIT 1`

	var rec HeartbeatRecord
	var delivered int
	err := db.QueryRowContext(ctx, q, executorID).Scan(
		&rec.ExecutorID, &rec.Status, &rec.LastScreenState, &delivered, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	rec.Delivered = delivered != 0
	return &rec, nil
}
