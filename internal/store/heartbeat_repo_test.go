package store

import (
	"context"
	"testing"

	"github.com/devplan/autopilot-executor/internal/domain"
)

func TestHeartbeatRepo_Latest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &HeartbeatRepo{}

	got, err := repo.Latest(ctx, db, "ex-1")
	if err != nil {
		t.Fatalf("Latest on empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}

	beats := []struct {
		hb        domain.Heartbeat
		delivered bool
		ts        int64
	}{
		{domain.Heartbeat{ExecutorID: "ex-1", Status: "active", LastScreenState: "IDLE"}, true, 10},
		{domain.Heartbeat{ExecutorID: "ex-2", Status: "active"}, true, 15},
		{domain.Heartbeat{ExecutorID: "ex-1", Status: "API_UNREACHABLE"}, false, 20},
	}
	for _, b := range beats {
		if err := repo.Record(ctx, db, b.hb, b.delivered, b.ts); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err = repo.Latest(ctx, db, "ex-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil || got.Status != "API_UNREACHABLE" || got.Delivered || got.CreatedAt != 20 {
		t.Errorf("unexpected latest heartbeat: %+v", got)
	}
}
