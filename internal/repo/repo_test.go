package repo

import (
	"context"
	"errors"
	"testing"

	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/migrate"
)

const ts = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestPlanRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := domain.Plan{ID: "plan-1", OrganizationID: "org", Title: "Breach response", Status: domain.PlanApproved,
		Stakeholders: []domain.Stakeholder{{ID: "s1", Name: "Ana", Role: "legal"}},
		Tasks:        []domain.PlanTask{{ID: "t1", Title: "Notify regulator", DurationMinutes: 30}},
		CreatedAt:    ts, UpdatedAt: ts}
	if err := r.UpsertPlan(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Title = "Breach response v2"
	if err := r.UpsertPlan(ctx, p); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := r.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Breach response v2" || len(got.Stakeholders) != 1 || got.Tasks[0].DurationMinutes != 30 {
		t.Fatalf("unexpected plan %+v", got)
	}
	if _, err := r.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, err := r.ListPlans(ctx, "org")
	if err != nil || len(list) != 1 {
		t.Fatalf("list plans: %v %d", err, len(list))
	}
}

func TestConnectionUpdate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := domain.IntegrationConnection{ID: "c1", OrganizationID: "org", Name: "Slack", Vendor: "slack",
		IntegrationType: domain.IntegrationChat, Status: domain.ConnectionPending, CredentialBlob: "blob",
		Config: map[string]any{"workspace": "acme"}, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertConnection(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	status, lastErr := domain.ConnectionError, "probe failed"
	if err := r.UpdateConnection(ctx, "c1", ConnectionUpdate{Status: &status, LastError: &lastErr, UpdatedAt: ts}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ConnectionError || got.LastError != "probe failed" || got.ConfigString("workspace") != "acme" {
		t.Fatalf("unexpected connection %+v", got)
	}
	if err := r.UpdateConnection(ctx, "nope", ConnectionUpdate{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertInstanceSingleFlight(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := domain.ExecutionInstance{ID: "i1", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: ts, DeadlineAt: ts}
	if err := r.InsertInstance(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := domain.ExecutionInstance{ID: "i2", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: ts, DeadlineAt: ts}
	if err := r.InsertInstance(ctx, second); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if err := r.FinishInstance(ctx, "i1", domain.ExecutionFailed, ts, []string{"tickets: timeout"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := r.FinishInstance(ctx, "i1", domain.ExecutionCompleted, ts, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal instance must not change, got %v", err)
	}
	if err := r.InsertInstance(ctx, second); err != nil {
		t.Fatalf("insert after finish: %v", err)
	}
	got, err := r.GetInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ExecutionFailed || got.CompletedAt == nil || len(got.Errors) != 1 {
		t.Fatalf("unexpected instance %+v", got)
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertInstance(ctx, domain.ExecutionInstance{ID: "i1", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: ts, DeadlineAt: ts}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	for seq, typ := range []string{"activation.started", "documents.generated", "activation.completed"} {
		ev := domain.ExecutionEvent{ID: typ, InstanceID: "i1", Seq: int64(seq + 1), Type: typ, Success: true, CreatedAt: ts, Payload: map[string]any{"n": seq}}
		if err := r.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	if err := r.InsertEvent(ctx, domain.ExecutionEvent{ID: "dup", InstanceID: "i1", Seq: 2, Type: "x", CreatedAt: ts}); err == nil {
		t.Fatalf("duplicate seq must fail")
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE execution_events SET success=0`); err == nil {
		t.Fatalf("update must be rejected")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM execution_events`); err == nil {
		t.Fatalf("delete must be rejected")
	}
	evs, err := r.ListEvents(ctx, "i1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Type != "activation.completed" || !evs[0].Success {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestAcknowledgmentFlow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertInstance(ctx, domain.ExecutionInstance{ID: "i1", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: ts, DeadlineAt: ts}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	a := domain.StakeholderAcknowledgment{ID: "a1", InstanceID: "i1", StakeholderID: "s1", Name: "Ana", Channel: "in_app", Status: domain.AckNotified, NotifiedAt: ts}
	if err := r.InsertAcknowledgment(ctx, a); err != nil {
		t.Fatalf("insert ack: %v", err)
	}
	got, err := r.MarkAcknowledged(ctx, "i1", "s1", "2026-01-02T03:10:00Z")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got.Status != domain.AckAcknowledged || got.AcknowledgedAt == nil {
		t.Fatalf("unexpected ack %+v", got)
	}
	again, err := r.MarkAcknowledged(ctx, "i1", "s1", "2026-01-02T04:00:00Z")
	if err != nil || *again.AcknowledgedAt != "2026-01-02T03:10:00Z" {
		t.Fatalf("second ack must keep first timestamp: %v %+v", err, again)
	}
	if _, err := r.MarkAcknowledged(ctx, "i1", "s9", ts); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProjectSyncRecord(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertInstance(ctx, domain.ExecutionInstance{ID: "i1", PlanID: "p", Status: domain.ExecutionRunning, StartedAt: ts, DeadlineAt: ts}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	if _, err := r.GetProjectSync(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rec := domain.ProjectSyncRecord{ID: "ps1", InstanceID: "i1", ChatConnectionID: "c1", ChannelID: "C1",
		TicketKeys: []string{"OPS-1"}, TicketErrors: []string{"t2: rejected"}, Status: domain.SyncPartial, CreatedAt: ts}
	if err := r.InsertProjectSync(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetProjectSync(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ChannelID != "C1" || got.TicketingConnectionID != "" || len(got.TicketKeys) != 1 || got.Status != domain.SyncPartial {
		t.Fatalf("unexpected record %+v", got)
	}
}
