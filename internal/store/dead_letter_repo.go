package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// DeadLetterRepo is the local outbox for dead letters. Rows are unique by
// fingerprint and flagged once the remote task graph accepted them.
type DeadLetterRepo struct{}

// Record inserts a dead letter. A row with the same fingerprint already
// present yields domain.ErrDuplicateRecord.
func (r *DeadLetterRepo) Record(ctx context.Context, db *sql.DB, dl domain.DeadLetter) error {
	meta := "{}"
	if len(dl.Metadata) > 0 {
		b, err := json.Marshal(dl.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	const q = `INSERT INTO dead_letters (id, source, reason, message, phase_id, task_id, retry_after_seconds, metadata_json, fingerprint, submitted, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO NOTHING`
	res, err := db.ExecContext(ctx, q,
		dl.ID,
		dl.Source,
		dl.Reason,
		dl.Message,
		dl.PhaseID,
		dl.TaskID,
		dl.RetryAfterSeconds,
		meta,
		dl.Fingerprint,
		boolToInt(dl.Submitted),
		dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateRecord
	}
	return nil
}

// MarkSubmitted flags a dead letter as accepted by the remote side.
func (r *DeadLetterRepo) MarkSubmitted(ctx context.Context, db *sql.DB, id string) error {
	const q = `UPDATE dead_letters SET submitted = 1 WHERE id = ?`
	res, err := db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark dead letter submitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark dead letter submitted: %s not found", id)
	}
	return nil
}

// GetByFingerprint returns the dead letter with the given fingerprint, or
// nil if none exists.
func (r *DeadLetterRepo) GetByFingerprint(ctx context.Context, db *sql.DB, fingerprint string) (*domain.DeadLetter, error) {
	q := selectDeadLetters + ` WHERE fingerprint = ?`
	dl, err := scanDeadLetter(db.QueryRowContext(ctx, q, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return dl, nil
}

// List returns dead letters matching filter, newest first.
func (r *DeadLetterRepo) List(ctx context.Context, db *sql.DB, filter domain.DeadLetterFilter) ([]domain.DeadLetter, error) {
	var where []string
	var args []any
	if filter.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, filter.Reason)
	}
	if filter.PhaseID != "" {
		where = append(where, "phase_id = ?")
		args = append(args, filter.PhaseID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}

	q := selectDeadLetters
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// ListUnsubmitted returns dead letters the remote side has not accepted
// yet, oldest first.
func (r *DeadLetterRepo) ListUnsubmitted(ctx context.Context, db *sql.DB) ([]domain.DeadLetter, error) {
	q := selectDeadLetters + ` WHERE submitted = 0 ORDER BY created_at ASC, rowid ASC`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list unsubmitted dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

const selectDeadLetters = `SELECT id, source, reason, message, phase_id, task_id, retry_after_seconds, metadata_json, fingerprint, submitted, created_at
FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(s rowScanner) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var meta string
	var submitted int
	if err := s.Scan(&dl.ID, &dl.Source, &dl.Reason, &dl.Message, &dl.PhaseID, &dl.TaskID,
		&dl.RetryAfterSeconds, &meta, &dl.Fingerprint, &submitted, &dl.CreatedAt); err != nil {
		return nil, err
	}
	dl.Submitted = submitted != 0
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &dl.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &dl, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
