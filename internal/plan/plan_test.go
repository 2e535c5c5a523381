package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/migrate"
	"rallypoint/internal/repo"
)

const planYAML = `id: breach-response
organization_id: org-1
title: Data breach response
status: approved
target_minutes: 90
stakeholders:
  - id: s1
    name: Ada
    role: legal
    email: ada@example.com
    unit: 1
tasks:
  - id: t1
    title: Notify regulator
    role: legal
    duration_minutes: 45
org_chart:
  - name: Acme
    parent: -1
  - name: Legal
    parent: 0
integrations:
  chat_connection_id: conn-chat
`

func newTestService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	return Service{Repo: repo.Repo{DB: conn}, Now: func() time.Time { return clock }}
}

func TestImportAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	p, err := svc.Import(ctx, []byte(planYAML))
	require.NoError(t, err)
	assert.Equal(t, "2026-01-05T08:00:00Z", p.CreatedAt)

	got, err := svc.Get(ctx, "breach-response")
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)
	require.Len(t, got.Stakeholders, 1)
	require.NotNil(t, got.Stakeholders[0].Unit)
	assert.Equal(t, "Acme / Legal", got.OrgChart.Path(*got.Stakeholders[0].Unit))
	assert.Equal(t, "conn-chat", got.Integrations.ChatConnectionID)

	list, err := svc.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Data breach response", list[0].Title)
}

func TestSaveKeepsCreatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	p, err := svc.Import(ctx, []byte(planYAML))
	require.NoError(t, err)

	svc.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	p.Title = "Renamed"
	saved, err := svc.Save(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-05T08:00:00Z", saved.CreatedAt)
	assert.Equal(t, "2026-02-01T00:00:00Z", saved.UpdatedAt)

	p.OrganizationID = "org-2"
	_, err = svc.Save(ctx, p)
	var pe fault.PreconditionError
	assert.True(t, errors.As(err, &pe))
}

func TestCheck(t *testing.T) {
	base := domain.Plan{ID: "p", OrganizationID: "o", Title: "T", Status: "draft"}
	require.NoError(t, Check(base))

	cases := map[string]func(p *domain.Plan){
		"id":                        func(p *domain.Plan) { p.ID = "" },
		"organization_id":           func(p *domain.Plan) { p.OrganizationID = "" },
		"status":                    func(p *domain.Plan) { p.Status = "live" },
		"stakeholders[1].id":        func(p *domain.Plan) { p.Stakeholders = []domain.Stakeholder{{ID: "a"}, {ID: "a"}} },
		"tasks[0].id":               func(p *domain.Plan) { p.Tasks = []domain.PlanTask{{Title: "x"}} },
		"tasks[0].duration_minutes": func(p *domain.Plan) { p.Tasks = []domain.PlanTask{{ID: "t", DurationMinutes: -1}} },
	}
	for field, mutate := range cases {
		p := base
		mutate(&p)
		err := Check(p)
		var ve fault.ValidationError
		require.True(t, errors.As(err, &ve), field)
		assert.Equal(t, field, ve.Field)
	}
}

func TestImportRejectsBadYAML(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Import(context.Background(), []byte("id: [unclosed"))
	var ve fault.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestSaveRejectsForeignConnection(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Repo.InsertConnection(ctx, domain.IntegrationConnection{
		ID: "conn-chat", OrganizationID: "org-other", Name: "slack", Vendor: "simulated",
		IntegrationType: domain.IntegrationChat, Status: domain.ConnectionActive,
		CredentialBlob: "x", CreatedAt: "t", UpdatedAt: "t",
	}))

	_, err := svc.Import(ctx, []byte(planYAML))
	var ve fault.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "integrations.chat_connection_id", ve.Field)
	_, err = svc.Get(ctx, "breach-response")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
