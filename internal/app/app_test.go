package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/adapter/simulated"
	"rallypoint/internal/config"
	"rallypoint/internal/domain"
	"rallypoint/internal/integration"
	"rallypoint/internal/vault"
)

func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.Vendors.DemoMode = true
	cfg.Logging.Level = "error"
	return cfg
}

func TestBuildRequiresVaultKey(t *testing.T) {
	t.Setenv(VaultKeyEnv, "")
	_, err := Build(context.Background(), Options{Workspace: t.TempDir(), Config: demoConfig()})
	assert.ErrorIs(t, err, vault.ErrKeyMissing)

	_, err = Build(context.Background(), Options{Workspace: t.TempDir(), Config: demoConfig(), VaultKey: "not base64!"})
	assert.Error(t, err)
}

func TestBuildCatalog(t *testing.T) {
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	t.Setenv(VaultKeyEnv, key)

	a, err := Build(context.Background(), Options{Workspace: t.TempDir(), Config: config.Default()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, []string{"gcal", "github", "jira", "slack"}, a.Catalog.Names())

	demo, err := Build(context.Background(), Options{Workspace: t.TempDir(), Config: demoConfig()})
	require.NoError(t, err)
	defer demo.Close()
	assert.Contains(t, demo.Catalog.Names(), simulated.Name)
}

func TestBuildWiresActivation(t *testing.T) {
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	clock := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	a, err := Build(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    demoConfig(),
		VaultKey:  key,
		Now:       func() time.Time { return clock },
	})
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	conn, err := a.Integrations.Connect(ctx, integration.ConnectRequest{
		OrganizationID:  "org-1",
		Name:            "demo chat",
		Vendor:          simulated.Name,
		IntegrationType: "chat",
		Credentials:     integration.CredentialsIn{Type: vault.TypeAPIKey, Data: map[string]any{"token": "t"}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, conn.Status)

	_, err = a.Plans.Save(ctx, domain.Plan{
		ID: "plan-1", OrganizationID: "org-1", Title: "Outage", Status: domain.PlanApproved,
		Stakeholders: []domain.Stakeholder{{ID: "s1", Name: "Ada", Role: "lead", Email: "ada@example.com", ChatUserID: "U1"}},
		Tasks:        []domain.PlanTask{{ID: "t1", Title: "Triage", Role: "lead", DurationMinutes: 15}},
		Integrations: domain.IntegrationBindings{ChatConnectionID: conn.ID},
	})
	require.NoError(t, err)

	res, err := a.Orchestrator.Activate(ctx, "plan-1")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.StakeholdersNotified)

	snap, err := a.Status.Get(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, snap.Instance.Status)
	assert.NotEmpty(t, snap.Documents)
}
