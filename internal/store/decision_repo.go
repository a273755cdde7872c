package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// DecisionRepo journals one row per tick outcome.
type DecisionRepo struct{}

// Append inserts a decision event and returns its row id.
func (r *DecisionRepo) Append(ctx context.Context, db *sql.DB, ev domain.DecisionEvent) (int64, error) {
	const q = `INSERT INTO decision_events (tick, orchestration_action, ui_label, action, message, task_id, phase_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		ev.Tick,
		ev.OrchestrationAction,
		ev.UILabel,
		string(ev.Action),
		ev.Message,
		ev.TaskID,
		ev.PhaseID,
		ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append decision: %w", err)
	}
	return res.LastInsertId()
}

// ListRecent returns up to limit events, newest first.
func (r *DecisionRepo) ListRecent(ctx context.Context, db *sql.DB, limit int) ([]domain.DecisionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, tick, orchestration_action, ui_label, action, message, task_id, phase_id, created_at
FROM decision_events
ORDER BY id DESC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var events []domain.DecisionEvent
	for rows.Next() {
		var e domain.DecisionEvent
		var action string
		if err := rows.Scan(&e.ID, &e.Tick, &e.OrchestrationAction, &e.UILabel, &action,
			&e.Message, &e.TaskID, &e.PhaseID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Action = domain.ActionKind(action)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByAction tallies journaled decisions per action.
func (r *DecisionRepo) CountByAction(ctx context.Context, db *sql.DB) (map[domain.ActionKind]int, error) {
	const q = `SELECT action, COUNT(*) FROM decision_events GROUP BY action`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ActionKind]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		counts[domain.ActionKind(action)] = n
	}
	return counts, rows.Err()
}
