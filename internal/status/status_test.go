package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/events"
	"rallypoint/internal/fault"
	"rallypoint/internal/migrate"
	"rallypoint/internal/repo"
)

var started = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) (Service, *events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	require.NoError(t, r.InsertInstance(ctx, domain.ExecutionInstance{
		ID: "inst-1", PlanID: "plan-1", Status: domain.ExecutionRunning, CurrentPhase: "fan_out",
		StartedAt: started.Format(time.RFC3339), DeadlineAt: started.Add(12 * time.Minute).Format(time.RFC3339),
	}))
	for _, a := range []domain.StakeholderAcknowledgment{
		{ID: "a1", StakeholderID: "s1", Name: "Ada", Channel: "chat", Status: domain.AckNotified, MessageRef: "M-1"},
		{ID: "a2", StakeholderID: "s2", Name: "Bo", Channel: "chat", Status: domain.AckFailed, Error: "channel_not_found"},
	} {
		a.InstanceID = "inst-1"
		a.NotifiedAt = started.Format(time.RFC3339)
		require.NoError(t, r.InsertAcknowledgment(ctx, a))
	}
	clock := started.Add(5 * time.Minute)
	svc := Service{Repo: r, Now: func() time.Time { return clock }}
	return svc, events.NewWriter(r, "inst-1", func() time.Time { return clock })
}

func TestGetSnapshot(t *testing.T) {
	svc, w := newTestEnv(t)
	ctx := context.Background()
	_, err := w.Append(ctx, events.ActivationStarted, true, 0, nil)
	require.NoError(t, err)
	_, err = w.Append(ctx, events.DocumentsGenerated, true, 20*time.Millisecond, events.EventPayload{"count": 1})
	require.NoError(t, err)

	snap, err := svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, snap.Instance.Status)
	assert.Len(t, snap.Events, 2)
	assert.Len(t, snap.Acknowledgments, 2)
	assert.Empty(t, snap.Documents)
	assert.Empty(t, snap.Budgets)
	assert.Nil(t, snap.ProjectSync)
	assert.False(t, snap.Overdue)
	assert.Equal(t, int64(7*60), snap.RemainingSeconds)
	assert.Equal(t, snap.Instance.DeadlineAt, snap.Deadline)

	svc.Now = func() time.Time { return started.Add(time.Hour) }
	snap, err = svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, snap.Overdue)
	assert.Zero(t, snap.RemainingSeconds)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTerminalInstanceIsNeverOverdue(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, svc.Repo.FinishInstance(ctx, "inst-1", domain.ExecutionCompleted, started.Add(3*time.Minute).Format(time.RFC3339), nil))
	svc.Now = func() time.Time { return started.Add(time.Hour) }

	snap, err := svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, snap.Overdue)
}

func TestEventsAfterCursor(t *testing.T) {
	svc, w := newTestEnv(t)
	ctx := context.Background()
	for _, typ := range []string{events.ActivationStarted, events.DocumentsGenerated, events.BudgetsUnlocked} {
		_, err := w.Append(ctx, typ, true, 0, nil)
		require.NoError(t, err)
	}

	page, err := svc.EventsAfter(ctx, "inst-1", 0)
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	assert.Equal(t, int64(3), page.Cursor)
	assert.False(t, page.Terminal)

	page, err = svc.EventsAfter(ctx, "inst-1", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, events.BudgetsUnlocked, page.Events[0].Type)

	page, err = svc.EventsAfter(ctx, "inst-1", 3)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, int64(3), page.Cursor)

	_, err = svc.EventsAfter(ctx, "inst-1", -1)
	var ve fault.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestAcknowledge(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	ack, err := svc.Acknowledge(ctx, "inst-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.AckAcknowledged, ack.Status)
	require.NotNil(t, ack.AcknowledgedAt)
	first := *ack.AcknowledgedAt

	svc.Now = func() time.Time { return started.Add(10 * time.Minute) }
	again, err := svc.Acknowledge(ctx, "inst-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, first, *again.AcknowledgedAt)

	_, err = svc.Acknowledge(ctx, "inst-1", "s2")
	var pe fault.PreconditionError
	assert.True(t, errors.As(err, &pe))

	_, err = svc.Acknowledge(ctx, "inst-1", "s9")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = svc.Acknowledge(ctx, "inst-9", "s1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	snap, err := svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Acknowledged)
}

func TestList(t *testing.T) {
	svc, _ := newTestEnv(t)
	list, err := svc.List(context.Background(), "plan-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inst-1", list[0].ID)
}
