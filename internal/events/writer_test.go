package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/migrate"
	"rallypoint/internal/repo"
)

func TestWriterAssignsMonotonicSeq(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := "2026-01-02T03:04:05Z"
	if err := r.InsertInstance(ctx, domain.ExecutionInstance{ID: "i1", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: now, DeadlineAt: now}); err != nil {
		t.Fatalf("instance: %v", err)
	}

	w := NewWriter(r, "i1", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := w.Append(ctx, StakeholdersNotified, i%2 == 0, time.Millisecond, EventPayload{"i": i}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := w.Append(cancelled, ActivationFailed, false, 0, nil); err != nil {
		t.Fatalf("append after cancel: %v", err)
	}

	stored, err := r.ListEvents(ctx, "i1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 9 || len(w.Events()) != 9 {
		t.Fatalf("expected 9 events, got %d stored %d in memory", len(stored), len(w.Events()))
	}
	for i, ev := range stored {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, ev.Seq)
		}
	}
	if stored[8].Type != ActivationFailed {
		t.Fatalf("last event should be the failure, got %s", stored[8].Type)
	}
}
