package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/adapter"
	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

type fakeCalendar struct {
	refreshes int
	created   map[string]any
}

func newSession(t *testing.T, data map[string]any) (adapter.Session, *fakeCalendar) {
	t.Helper()
	f := &fakeCalendar{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.refreshes++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/calendars/primary", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"primary"}`))
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("sendUpdates"))
		_ = json.NewDecoder(r.Body).Decode(&f.created)
		_, _ = w.Write([]byte(`{"id":"evt-1","htmlLink":"https://calendar.google.com/evt-1"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	data["token_uri"] = srv.URL + "/token"
	return adapter.Session{
		BaseURL:     srv.URL,
		HTTP:        srv.Client(),
		Credentials: vault.Credentials{Type: vault.TypeOAuth, Data: data},
	}, f
}

func expiredOAuth() map[string]any {
	return map[string]any{
		"access_token":  "stale",
		"refresh_token": "refresh-1",
		"client_id":     "cid",
		"client_secret": "secret",
		"expiry":        time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
}

func TestProbeRefreshesExpiredToken(t *testing.T) {
	s, f := newSession(t, expiredOAuth())
	require.NoError(t, New().Probe(context.Background(), s))
	assert.Equal(t, 1, f.refreshes)
}

func TestRefreshFailureIsAuthenticationError(t *testing.T) {
	data := expiredOAuth()
	data["refresh_token"] = "revoked"
	s, _ := newSession(t, data)
	var ae fault.AuthenticationError
	assert.True(t, errors.As(New().Probe(context.Background(), s), &ae))
}

func TestScheduleEvent(t *testing.T) {
	s, f := newSession(t, expiredOAuth())
	start := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	id, err := New().ScheduleEvent(context.Background(), s, adapter.EventRequest{
		Summary:   "Incident kickoff",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Attendees: []string{"ana@acme.io"},
		Location:  "Bridge",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	assert.Equal(t, "Incident kickoff", f.created["summary"])
	assert.Equal(t, "2026-03-01T15:30:00Z", f.created["end"].(map[string]any)["dateTime"])
}

func TestScheduleEventValidates(t *testing.T) {
	s, _ := newSession(t, expiredOAuth())
	start := time.Now()
	_, err := New().ScheduleEvent(context.Background(), s, adapter.EventRequest{Summary: "x", Start: start, End: start.Add(-time.Minute)})
	var ve fault.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "end", ve.Field)
}

func TestMissingTokens(t *testing.T) {
	s := adapter.Session{Credentials: vault.Credentials{Type: vault.TypeOAuth, Data: map[string]any{"client_id": "x"}}}
	var ae fault.AuthenticationError
	assert.True(t, errors.As(New().Probe(context.Background(), s), &ae))
}
