package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/devplan/autopilot-executor/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB(t *testing.T) {
	db := newTestDB(t)

	// Verify tables were created by querying sqlite_master.
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	expected := map[string]bool{
		"decision_events": true,
		"dead_letters":    true,
		"heartbeats":      true,
	}

	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "executor.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	db.Close()
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// First open creates schema.
	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	// Second open should not fail (IF NOT EXISTS).
	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestPruneBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	decisions := &DecisionRepo{}
	for i, ts := range []int64{100, 200, 300} {
		if _, err := decisions.Append(ctx, db, domain.DecisionEvent{Tick: int64(i), Action: domain.ActionWait, CreatedAt: ts}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	heartbeats := &HeartbeatRepo{}
	if err := heartbeats.Record(ctx, db, domain.Heartbeat{ExecutorID: "ex-1", Status: "active"}, true, 150); err != nil {
		t.Fatalf("Record heartbeat: %v", err)
	}

	letters := &DeadLetterRepo{}
	old := []domain.DeadLetter{
		{ID: "dl-1", Source: "executor", Reason: "CONNECTION_ERROR", Fingerprint: "fp-1", Submitted: true, CreatedAt: 100},
		{ID: "dl-2", Source: "executor", Reason: "CONNECTION_ERROR", Fingerprint: "fp-2", Submitted: false, CreatedAt: 100},
	}
	for _, dl := range old {
		if err := letters.Record(ctx, db, dl); err != nil {
			t.Fatalf("Record %s: %v", dl.ID, err)
		}
	}

	n, err := PruneBefore(ctx, db, 250)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	// Two decisions, one heartbeat and the submitted dead letter.
	if n != 4 {
		t.Errorf("pruned = %d, want 4", n)
	}

	remaining, err := decisions.ListRecent(ctx, db, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(remaining) != 1 || remaining[0].CreatedAt != 300 {
		t.Errorf("remaining decisions = %+v, want only the one at 300", remaining)
	}

	unsent, err := letters.ListUnsubmitted(ctx, db)
	if err != nil {
		t.Fatalf("ListUnsubmitted: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != "dl-2" {
		t.Errorf("unsubmitted = %+v, want dl-2 kept", unsent)
	}
}
