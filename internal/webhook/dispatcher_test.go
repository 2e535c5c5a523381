package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/config"
	"rallypoint/internal/db"
	"rallypoint/internal/domain"
	"rallypoint/internal/events"
	"rallypoint/internal/migrate"
	"rallypoint/internal/repo"
)

type recorder struct {
	mu       sync.Mutex
	fail     bool
	received []Delivery
	headers  []http.Header
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	var d Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec.received = append(rec.received, d)
	rec.headers = append(rec.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (rec *recorder) types() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []string
	for _, d := range rec.received {
		out = append(out, d.Type)
	}
	return out
}

func setup(t *testing.T) (repo.Repo, *events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.InsertInstance(context.Background(), domain.ExecutionInstance{
		ID: "inst-1", PlanID: "plan-1", Status: domain.ExecutionRunning,
		StartedAt: now.Format(time.RFC3339), DeadlineAt: now.Add(12 * time.Minute).Format(time.RFC3339),
	}))
	return r, events.NewWriter(r, "inst-1", func() time.Time { return now })
}

func TestDispatchDeliversNewEvents(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	_, err := w.Append(ctx, events.ActivationStarted, true, 0, nil)
	require.NoError(t, err)

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := &Dispatcher{Repo: r, Hooks: []config.Webhook{{URL: srv.URL, Secret: "s3cret"}}}

	// Events written before the first pass are not replayed.
	d.DispatchAll(ctx)
	assert.Empty(t, rec.types())

	_, err = w.Append(ctx, events.DocumentsGenerated, true, 0, events.EventPayload{"count": 1})
	require.NoError(t, err)
	_, err = w.Append(ctx, events.ActivationCompleted, true, 0, nil)
	require.NoError(t, err)
	d.DispatchAll(ctx)

	assert.Equal(t, []string{events.DocumentsGenerated, events.ActivationCompleted}, rec.types())
	first := rec.received[0]
	assert.Equal(t, "plan-1", first.PlanID)
	assert.Equal(t, "inst-1", first.InstanceID)
	assert.Equal(t, int64(2), first.Seq)
	assert.EqualValues(t, 1, first.Payload["count"])
	assert.Equal(t, "s3cret", rec.headers[0].Get("X-Rallypoint-Secret"))
	assert.Equal(t, events.DocumentsGenerated, rec.headers[0].Get("X-Rallypoint-Event"))
	assert.Equal(t, first.ID, rec.headers[0].Get("X-Rallypoint-Delivery"))

	d.DispatchAll(ctx)
	assert.Len(t, rec.types(), 2)
}

func TestDispatchFiltersAndRetries(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	rec := &recorder{fail: true}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := &Dispatcher{Repo: r, Hooks: []config.Webhook{{URL: srv.URL, Events: []string{events.ActivationCompleted, " "}}}}
	d.DispatchAll(ctx)

	for _, typ := range []string{events.ActivationStarted, events.BudgetsUnlocked, events.ActivationCompleted} {
		_, err := w.Append(ctx, typ, true, 0, nil)
		require.NoError(t, err)
	}
	d.DispatchAll(ctx)
	assert.Empty(t, rec.types())

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, []string{events.ActivationCompleted}, rec.types())
}

func TestDisabledHookIsSkipped(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	off := false
	d := &Dispatcher{Repo: r, Hooks: []config.Webhook{{URL: srv.URL, Enabled: &off}}}
	d.DispatchAll(ctx)
	_, err := w.Append(ctx, events.ActivationStarted, true, 0, nil)
	require.NoError(t, err)
	d.DispatchAll(ctx)
	assert.Empty(t, rec.types())
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{Repo: r, Hooks: []config.Webhook{{URL: "http://127.0.0.1:1"}}, Interval: 10 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"activation.failed"})
	assert.True(t, f.match("activation.failed"))
	assert.False(t, f.match("activation.completed"))
}
