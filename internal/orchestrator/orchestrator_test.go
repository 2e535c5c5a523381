package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/adapter"
	"rallypoint/internal/adapter/jira"
	"rallypoint/internal/adapter/simulated"
	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/events"
	"rallypoint/internal/fault"
	"rallypoint/internal/integration"
	"rallypoint/internal/metrics"
	"rallypoint/internal/migrate"
	"rallypoint/internal/readiness"
	"rallypoint/internal/repo"
	"rallypoint/internal/vault"
)

type testEnv struct {
	repo    repo.Repo
	sim     *simulated.Vendor
	svc     *integration.Service
	orch    *Orchestrator
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.FromBase64(key)
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	m := metrics.New(prometheus.NewRegistry())
	sim := simulated.New()
	svc := &integration.Service{
		Repo:          r,
		Vault:         v,
		Catalog:       adapter.NewCatalog(sim),
		Metrics:       m,
		ProbeTimeout:  time.Second,
		VendorTimeout: 100 * time.Millisecond,
	}
	return &testEnv{
		repo:    r,
		sim:     sim,
		svc:     svc,
		metrics: m,
		orch: &Orchestrator{
			Repo:         r,
			Readiness:    readiness.Assessor{Repo: r, Metrics: m},
			Integrations: svc,
			Metrics:      m,
		},
	}
}

func (e *testEnv) connect(t *testing.T, typ string, cfg map[string]any) string {
	t.Helper()
	conn, err := e.svc.Connect(context.Background(), integration.ConnectRequest{
		OrganizationID:  "org-1",
		Name:            "sim " + typ,
		Vendor:          simulated.Name,
		IntegrationType: typ,
		Credentials:     integration.CredentialsIn{Type: vault.TypeAPIKey, Data: map[string]any{"token": "t"}},
		Config:          cfg,
	})
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, conn.Status)
	return conn.ID
}

// scenarioPlan has three stakeholders, two tasks and exactly three
// warning-level findings, so it scores 85 without blocking.
func scenarioPlan(chatID, ticketsID, calendarID string) domain.Plan {
	return domain.Plan{
		ID:             "plan-1",
		OrganizationID: "org-1",
		Title:          "Data breach response",
		Status:         domain.PlanApproved,
		Stakeholders: []domain.Stakeholder{
			{ID: "s1", Name: "Ada", Role: "lead", Email: "ada@example.com", ChatUserID: "U1"},
			{ID: "s2", Name: "Bo", Role: "legal", Email: "bo@example.com", ChatUserID: "U2"},
			{ID: "s3", Name: "Cy", Role: "comms", Email: "cy@example.com", ChatUserID: "U3"},
		},
		Tasks: []domain.PlanTask{
			{ID: "t1", Title: "Contain the breach", Role: "lead", Priority: "high", DurationMinutes: 30},
			{ID: "t2", Title: "Brief counsel", Role: "legal", DurationMinutes: 20, DependsOn: []string{"t1"}},
		},
		Budgets: []domain.Budget{
			{ID: "b1", Name: "forensics", Amount: 2500, Currency: "USD", PreApproved: true},
			{ID: "b2", Name: "pr agency", Amount: 9000, Currency: "USD"},
			{ID: "b3", Name: "placeholder", Amount: 0, PreApproved: true},
		},
		Documents: []domain.DocumentSpec{
			{Kind: "memo", Title: "Memo: {{.Plan.Title}}", Template: "Activated {{.ActivatedAt}}"},
			{Kind: "notes", Title: "Notes"},
		},
		Integrations: domain.IntegrationBindings{
			ChatConnectionID:      chatID,
			TicketingConnectionID: ticketsID,
			CalendarConnectionID:  calendarID,
			TicketProject:         "OPS",
		},
	}
}

func eventTypes(evs []domain.ExecutionEvent) []string {
	var out []string
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func findEvent(t *testing.T, evs []domain.ExecutionEvent, typ string) domain.ExecutionEvent {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event in %v", typ, eventTypes(evs))
	return domain.ExecutionEvent{}
}

func TestActivateAllGreen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, nil)
	tickets := env.connect(t, domain.IntegrationTicketing, nil)
	require.NoError(t, env.repo.UpsertPlan(ctx, scenarioPlan(chat, tickets, "")))

	res, err := env.orch.Activate(ctx, "plan-1")
	require.NoError(t, err)

	assert.Equal(t, 85, res.ReadinessScore)
	assert.Equal(t, domain.ExecutionCompleted, res.Status)
	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.GreaterOrEqual(t, len(res.Events), 4)
	assert.Equal(t, 3, res.StakeholdersNotified)
	assert.Equal(t, 1, res.DocumentsGenerated)
	assert.Equal(t, 2500.0, res.BudgetUnlocked)
	require.NotNil(t, res.ProjectSync)
	assert.Equal(t, domain.SyncComplete, res.ProjectSync.Status)
	assert.Len(t, res.ProjectSync.TicketKeys, 2)

	types := eventTypes(res.Events)
	assert.Equal(t, events.ActivationStarted, types[0])
	assert.Equal(t, events.DocumentsGenerated, types[1])
	assert.Equal(t, events.ActivationCompleted, types[len(types)-1])
	assert.ElementsMatch(t, []string{events.StakeholdersNotified, events.BudgetsUnlocked, events.ProjectSynced}, types[2:len(types)-1])
	for i, ev := range res.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.True(t, ev.Success, ev.Type)
	}

	for _, u := range []string{"U1", "U2", "U3"} {
		assert.Len(t, env.sim.Messages(u), 1, u)
	}
	kickoff := env.sim.Messages(res.ProjectSync.ChannelID)
	require.Len(t, kickoff, 1)
	assert.Contains(t, kickoff[0], "Contain the breach (lead)")
	assert.Equal(t, "todo", env.sim.TicketStatus(res.ProjectSync.TicketKeys[0]))

	inst, err := env.repo.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Empty(t, inst.CurrentPhase)

	stored, err := env.repo.ListEvents(ctx, res.InstanceID, 0)
	require.NoError(t, err)
	assert.Equal(t, eventTypes(res.Events), eventTypes(stored))
	acks, err := env.repo.ListAcknowledgments(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Len(t, acks, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Activations.WithLabelValues(domain.ExecutionCompleted)))
}

func TestActivateTicketingTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, nil)
	tickets := env.connect(t, domain.IntegrationTicketing, nil)
	require.NoError(t, env.repo.UpdateConnection(ctx, tickets, repo.ConnectionUpdate{Config: map[string]any{"delay": "2s"}}))
	require.NoError(t, env.repo.UpsertPlan(ctx, scenarioPlan(chat, tickets, "")))

	start := time.Now()
	res, err := env.orch.Activate(ctx, "plan-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, domain.ExecutionFailed, res.Status)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "timeout")
	assert.True(t, strings.HasPrefix(res.Errors[0], phaseProjectSync))

	assert.Equal(t, 3, res.StakeholdersNotified)
	require.NotNil(t, res.ProjectSync)
	assert.Equal(t, domain.SyncPartial, res.ProjectSync.Status)
	assert.NotEmpty(t, res.ProjectSync.ChannelID)
	assert.Empty(t, res.ProjectSync.TicketKeys)

	synced := findEvent(t, res.Events, events.ProjectSynced)
	assert.False(t, synced.Success)
	assert.Equal(t, "timeout_error", synced.Payload["error_kind"])
	assert.Equal(t, events.ActivationFailed, res.Events[len(res.Events)-1].Type)

	inst, err := env.repo.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, inst.Status)
	assert.Equal(t, res.Errors, inst.Errors)
}

func TestActivatePartialIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, map[string]any{"fail_ops": []any{adapter.OpCreateChannel}})
	tickets := env.connect(t, domain.IntegrationTicketing, nil)
	cal := env.connect(t, domain.IntegrationCalendar, nil)
	plan := scenarioPlan(chat, tickets, cal)
	plan.Kickoff = &domain.KickoffSlot{Summary: "War room", Start: "2026-05-01T09:00:00Z", DurationMinutes: 45}
	require.NoError(t, env.repo.UpsertPlan(ctx, plan))

	res, err := env.orch.Activate(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "injected failure")

	assert.Equal(t, 3, res.StakeholdersNotified)
	assert.Equal(t, 2500.0, res.BudgetUnlocked)
	assert.True(t, findEvent(t, res.Events, events.KickoffScheduled).Success)
	assert.True(t, findEvent(t, res.Events, events.StakeholdersNotified).Success)
	require.NotNil(t, res.ProjectSync)
	assert.Equal(t, domain.SyncPartial, res.ProjectSync.Status)
	assert.Empty(t, res.ProjectSync.ChannelID)
	assert.Len(t, res.ProjectSync.TicketKeys, 2)

	budgets, err := env.repo.ListBudgetUnlocks(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Len(t, budgets, 1)
}

func TestActivateRejectsBlockedPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := scenarioPlan("", "", "")
	plan.Status = domain.PlanDraft
	require.NoError(t, env.repo.UpsertPlan(ctx, plan))

	_, err := env.orch.Activate(ctx, "plan-1")
	var pe fault.PreconditionError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Contains(t, pe.Details["blocking"], "Plan not approved: plan status is draft")

	list, err := env.repo.ListInstances(ctx, "plan-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.orch.Activate(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

// gatedIntegrations holds every direct message until release is closed.
type gatedIntegrations struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedIntegrations) CreateChannel(context.Context, string, adapter.ChannelRequest) (adapter.Channel, error) {
	return adapter.Channel{ID: "C1"}, nil
}

func (g *gatedIntegrations) SendMessage(ctx context.Context, _ string, _ adapter.Message) (string, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return "M1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedIntegrations) CreateTickets(context.Context, string, []adapter.Ticket) (adapter.TicketBatch, error) {
	return adapter.TicketBatch{}, nil
}

func (g *gatedIntegrations) ScheduleEvent(context.Context, string, adapter.EventRequest) (string, error) {
	return "E1", nil
}

func TestActivateSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, nil)
	require.NoError(t, env.repo.UpsertPlan(ctx, scenarioPlan(chat, "", "")))

	gate := &gatedIntegrations{entered: make(chan struct{}), release: make(chan struct{})}
	env.orch.Integrations = gate

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := env.orch.Activate(ctx, "plan-1")
		first <- outcome{res, err}
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first activation never reached the vendor")
	}

	_, err := env.orch.Activate(ctx, "plan-1")
	var pe fault.PreconditionError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Contains(t, pe.Reason, "in flight")

	close(gate.release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, domain.ExecutionCompleted, got.res.Status)

	again, err := env.orch.Activate(ctx, "plan-1")
	require.NoError(t, err)
	assert.NotEqual(t, got.res.InstanceID, again.InstanceID)
}

func TestCancelRunningActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, nil)
	require.NoError(t, env.repo.UpsertPlan(ctx, scenarioPlan(chat, "", "")))

	gate := &gatedIntegrations{entered: make(chan struct{}), release: make(chan struct{})}
	env.orch.Integrations = gate
	done := make(chan Result, 1)
	go func() {
		res, _ := env.orch.Activate(ctx, "plan-1")
		done <- res
	}()
	<-gate.entered

	list, err := env.repo.ListInstances(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = env.orch.Cancel(ctx, list[0].ID)
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, domain.ExecutionCancelled, res.Status)
	assert.Equal(t, events.ActivationFailed, res.Events[len(res.Events)-1].Type)
	inst, err := env.repo.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, inst.Status)
}

func TestCancelStaleInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.repo.InsertInstance(ctx, domain.ExecutionInstance{
		ID: "inst-1", PlanID: "plan-1", Status: domain.ExecutionRunning,
		StartedAt: "2026-01-01T00:00:00Z", DeadlineAt: "2026-01-01T00:12:00Z",
	}))

	inst, err := env.orch.Cancel(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, inst.Status)

	_, err = env.orch.Cancel(ctx, "inst-1")
	var pe fault.PreconditionError
	assert.True(t, errors.As(err, &pe))

	_, err = env.orch.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestChannelName(t *testing.T) {
	plan := domain.Plan{Title: "  Data Breach: EU / Customers!! "}
	assert.Equal(t, "data-breach-eu-customers-abcdef12", channelName(plan, "abcdef1234"))
	plan.Integrations.ChannelName = "war-room"
	assert.Equal(t, "war-room", channelName(plan, "abcdef1234"))
	assert.Equal(t, "activation-x", channelName(domain.Plan{Title: "!!!"}, "x"))
}

func TestActivateConcurrentSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.connect(t, domain.IntegrationChat, nil)
	require.NoError(t, env.repo.UpsertPlan(ctx, scenarioPlan(chat, "", "")))

	gate := &gatedIntegrations{entered: make(chan struct{}), release: make(chan struct{})}
	env.orch.Integrations = gate

	const callers = 8
	start := make(chan struct{})
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			_, err := env.orch.Activate(ctx, "plan-1")
			results <- err
		}()
	}
	close(start)

	// The winner is parked in the gate, so every other caller must come back
	// rejected before it is released.
	for rejected := 0; rejected < callers-1; rejected++ {
		select {
		case err := <-results:
			var pe fault.PreconditionError
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Contains(t, pe.Reason, "in flight")
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d callers were rejected", rejected, callers-1)
		}
	}
	close(gate.release)
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("winning activation never finished")
	}

	list, err := env.repo.ListInstances(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// newJiraServer fakes the Jira issue API and records the accountId sent as
// assignee for each created issue ("" when unassigned). Like Jira it rejects
// an accountId that is not a known user.
func newJiraServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu        sync.Mutex
		assignees []string
		n         int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/3/myself", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accountId":"svc"}`))
	})
	mux.HandleFunc("/rest/api/3/issue", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := ""
		if a, ok := body.Fields["assignee"].(map[string]any); ok {
			id, _ = a["accountId"].(string)
		}
		mu.Lock()
		defer mu.Unlock()
		assignees = append(assignees, id)
		if strings.Contains(id, "@") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":{"assignee":"Specified user does not exist or you do not have required permissions"}}`))
			return
		}
		n++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"10%d","key":"OPS-%d"}`, n, n)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), assignees...)
	}
}

func TestTicketsAssignVendorUserIDs(t *testing.T) {
	srv, assignees := newJiraServer(t)
	env := newTestEnv(t)
	env.svc.Catalog = adapter.NewCatalog(env.sim, jira.New())
	env.svc.HTTP = srv.Client()
	env.svc.VendorTimeout = 2 * time.Second
	ctx := context.Background()

	chat := env.connect(t, domain.IntegrationChat, nil)
	conn, err := env.svc.Connect(ctx, integration.ConnectRequest{
		OrganizationID:  "org-1",
		Name:            "jira",
		Vendor:          jira.Name,
		IntegrationType: domain.IntegrationTicketing,
		Credentials: integration.CredentialsIn{Type: vault.TypeAPIKey, Data: map[string]any{
			"email": "ops@acme.io", "api_token": "tok",
		}},
		Config: map[string]any{"base_url": srv.URL},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, conn.Status)

	plan := scenarioPlan(chat, conn.ID, "")
	plan.Stakeholders[0].TicketUserID = "5b10ac8d82e05b22cc7d4ef5"
	require.NoError(t, env.repo.UpsertPlan(ctx, plan))

	res, err := env.orch.Activate(ctx, "plan-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "errors: %v", res.Errors)
	require.NotNil(t, res.ProjectSync)
	assert.Equal(t, domain.SyncComplete, res.ProjectSync.Status)
	assert.Equal(t, []string{"OPS-1", "OPS-2"}, res.ProjectSync.TicketKeys)

	// t1 belongs to the lead, who has a Jira account; the legal stakeholder only
	// has an email, so t2 goes out unassigned.
	assert.Equal(t, []string{"5b10ac8d82e05b22cc7d4ef5", ""}, assignees())
}
