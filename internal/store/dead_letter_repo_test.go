package store

import (
	"context"
	"errors"
	"testing"

	"github.com/devplan/autopilot-executor/internal/domain"
)

func TestDeadLetterRepo_RecordAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DeadLetterRepo{}

	dl := domain.DeadLetter{
		ID:                "dl-1",
		Source:            "executor",
		Reason:            "CONNECTION_ERROR",
		Message:           "network recovery window exceeded",
		PhaseID:           "phase-3",
		TaskID:            "T3.1",
		RetryAfterSeconds: 300,
		Metadata:          map[string]string{"decisionAction": "error_recovery", "executorId": "ex-1"},
		Fingerprint:       "phase-3|T3.1|CONNECTION_ERROR|network recovery window exceeded",
		CreatedAt:         1000,
	}
	if err := repo.Record(ctx, db, dl); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := repo.GetByFingerprint(ctx, db, dl.Fingerprint)
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if got == nil {
		t.Fatal("expected dead letter, got nil")
	}
	if got.ID != "dl-1" || got.RetryAfterSeconds != 300 || got.Submitted {
		t.Errorf("unexpected dead letter: %+v", got)
	}
	if got.Metadata["executorId"] != "ex-1" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	missing, err := repo.GetByFingerprint(ctx, db, "nope")
	if err != nil {
		t.Fatalf("GetByFingerprint missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown fingerprint, got %+v", missing)
	}
}

func TestDeadLetterRepo_DuplicateFingerprint(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DeadLetterRepo{}

	first := domain.DeadLetter{ID: "dl-1", Source: "executor", Reason: "PROVIDER_ERROR", Fingerprint: "fp", CreatedAt: 1}
	if err := repo.Record(ctx, db, first); err != nil {
		t.Fatalf("first Record: %v", err)
	}

	second := first
	second.ID = "dl-2"
	err := repo.Record(ctx, db, second)
	if !errors.Is(err, domain.ErrDuplicateRecord) {
		t.Errorf("expected ErrDuplicateRecord, got %v", err)
	}

	all, err := repo.List(ctx, db, domain.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 dead letter, got %d", len(all))
	}
}

func TestDeadLetterRepo_ListFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DeadLetterRepo{}

	letters := []domain.DeadLetter{
		{ID: "a", Source: "executor", Reason: "CONNECTION_ERROR", PhaseID: "phase-1", TaskID: "T1.1", Fingerprint: "a", CreatedAt: 1},
		{ID: "b", Source: "executor", Reason: "PROVIDER_ERROR", PhaseID: "phase-1", TaskID: "T1.2", Fingerprint: "b", CreatedAt: 2},
		{ID: "c", Source: "executor", Reason: "CONNECTION_ERROR", PhaseID: "phase-2", TaskID: "T2.1", Fingerprint: "c", CreatedAt: 3},
	}
	for _, dl := range letters {
		if err := repo.Record(ctx, db, dl); err != nil {
			t.Fatalf("Record %s: %v", dl.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter domain.DeadLetterFilter
		want   []string
	}{
		{"all newest first", domain.DeadLetterFilter{}, []string{"c", "b", "a"}},
		{"by reason", domain.DeadLetterFilter{Reason: "CONNECTION_ERROR"}, []string{"c", "a"}},
		{"by phase", domain.DeadLetterFilter{PhaseID: "phase-1"}, []string{"b", "a"}},
		{"by task", domain.DeadLetterFilter{TaskID: "T2.1"}, []string{"c"}},
		{"limit", domain.DeadLetterFilter{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, db, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d letters, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("letter %d = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestDeadLetterRepo_MarkSubmitted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DeadLetterRepo{}

	for _, id := range []string{"x", "y"} {
		dl := domain.DeadLetter{ID: id, Source: "executor", Reason: "RATE_LIMIT", Fingerprint: id, CreatedAt: 5}
		if err := repo.Record(ctx, db, dl); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if err := repo.MarkSubmitted(ctx, db, "x"); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if err := repo.MarkSubmitted(ctx, db, "missing"); err == nil {
		t.Error("expected error for unknown id")
	}

	unsent, err := repo.ListUnsubmitted(ctx, db)
	if err != nil {
		t.Fatalf("ListUnsubmitted: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != "y" {
		t.Errorf("unsubmitted = %+v, want only y", unsent)
	}
}
