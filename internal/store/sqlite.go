// Package store provides SQLite-backed persistence for the executor's tick
// journal, dead-letter outbox and heartbeat log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS decision_events (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	tick                 INTEGER NOT NULL,
	orchestration_action TEXT NOT NULL DEFAULT '',
	ui_label             TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL,
	message              TEXT NOT NULL DEFAULT '',
	task_id              TEXT NOT NULL DEFAULT '',
	phase_id             TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decision_events(created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                  TEXT PRIMARY KEY,
	source              TEXT NOT NULL,
	reason              TEXT NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	phase_id            TEXT NOT NULL DEFAULT '',
	task_id             TEXT NOT NULL DEFAULT '',
	retry_after_seconds INTEGER NOT NULL DEFAULT 0,
	metadata_json       TEXT NOT NULL DEFAULT '{}',
	fingerprint         TEXT NOT NULL UNIQUE,
	submitted           INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);

CREATE TABLE IF NOT EXISTS heartbeats (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	executor_id       TEXT NOT NULL,
	status            TEXT NOT NULL,
	last_screen_state TEXT NOT NULL DEFAULT '',
	delivered         INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_executor ON heartbeats(executor_id, created_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration. The parent directory is created if
// missing.
func NewDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// PruneBefore deletes journal rows older than cutoff (unix seconds). Dead
// letters are only pruned once submitted. It returns the number of rows
// removed across all tables.
func PruneBefore(ctx context.Context, db *sql.DB, cutoff int64) (int64, error) {
	stmts := []string{
		`DELETE FROM decision_events WHERE created_at < ?`,
		`DELETE FROM heartbeats WHERE created_at < ?`,
		`DELETE FROM dead_letters WHERE submitted = 1 AND created_at < ?`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, q := range stmts {
		res, err := tx.ExecContext(ctx, q, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("check rows affected: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}
