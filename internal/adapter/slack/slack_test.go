package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/adapter"
	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

type fakeSlack struct {
	mu    sync.Mutex
	calls []string
	body  map[string]map[string]any
}

func (f *fakeSlack) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-good" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
			return
		}
		method := r.URL.Path[1:]
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.body[method] = body
		f.mu.Unlock()
		switch method {
		case "auth.test":
			_, _ = w.Write([]byte(`{"ok":true,"team":"acme"}`))
		case "conversations.create":
			_, _ = w.Write([]byte(`{"ok":true,"channel":{"id":"C123","name":"` + body["name"].(string) + `"}}`))
		case "conversations.invite", "conversations.setTopic":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "chat.postMessage":
			if body["channel"] == "C404" {
				_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
		case "users.list":
			_, _ = w.Write([]byte(`{"ok":true,"members":[
				{"id":"U1","name":"ana","real_name":"Ana Ops","profile":{"email":"ana@acme.io","title":"SRE"}},
				{"id":"U2","name":"bot","is_bot":true},
				{"id":"U3","name":"bo","real_name":"Bo Legal","profile":{"email":"bo@acme.io"}}]}`))
		case "conversations.list":
			_, _ = w.Write([]byte(`{"ok":true,"channels":[{"id":"C1","name":"general","num_members":12}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newSession(t *testing.T, token string) (adapter.Session, *fakeSlack) {
	t.Helper()
	f := &fakeSlack{body: map[string]map[string]any{}}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return adapter.Session{
		BaseURL:     srv.URL,
		HTTP:        srv.Client(),
		Credentials: vault.Credentials{Type: vault.TypeOAuth, Data: map[string]any{"access_token": token}},
	}, f
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, "xoxb-good")
	require.NoError(t, New().Probe(ctx, s))

	bad, _ := newSession(t, "xoxb-revoked")
	var ae fault.AuthenticationError
	assert.True(t, errors.As(New().Probe(ctx, bad), &ae))

	var missing adapter.Session
	assert.True(t, errors.As(New().Probe(ctx, missing), &ae))
}

func TestCreateChannelInvitesAndSetsTopic(t *testing.T) {
	s, f := newSession(t, "xoxb-good")
	ch, err := New().CreateChannel(context.Background(), s, adapter.ChannelRequest{
		Name: "Incident: Payments Outage!", Private: true, Members: []string{"U1", "U3"}, Topic: "war room",
	})
	require.NoError(t, err)
	assert.Equal(t, "C123", ch.ID)
	assert.Equal(t, "incident-payments-outage", ch.Name)
	assert.Equal(t, []string{"conversations.create", "conversations.invite", "conversations.setTopic"}, f.calls)
	assert.Equal(t, "U1,U3", f.body["conversations.invite"]["users"])
	assert.Equal(t, true, f.body["conversations.create"]["is_private"])
}

func TestPostMessage(t *testing.T) {
	s, f := newSession(t, "xoxb-good")
	ref, err := New().PostMessage(context.Background(), s, adapter.Message{ChannelID: "C123", Text: "kickoff", ThreadRef: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", ref)
	assert.Equal(t, "1.2", f.body["chat.postMessage"]["thread_ts"])

	_, err = New().PostMessage(context.Background(), s, adapter.Message{ChannelID: "C404", Text: "x"})
	var va fault.VendorAPIError
	require.True(t, errors.As(err, &va))
	assert.Equal(t, "channel_not_found", va.Message)

	_, err = New().PostMessage(context.Background(), s, adapter.Message{ChannelID: "C1"})
	var ve fault.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestQueries(t *testing.T) {
	s, _ := newSession(t, "xoxb-good")
	people, err := New().QueryDirectory(context.Background(), s, adapter.DirectoryFilter{})
	require.NoError(t, err)
	require.Len(t, people, 2)
	assert.Equal(t, "Ana Ops", people[0].Name)

	people, err = New().QueryDirectory(context.Background(), s, adapter.DirectoryFilter{Query: "legal"})
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "U3", people[0].ID)

	chans, err := New().QueryChannels(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []adapter.ChannelInfo{{ID: "C1", Name: "general", Members: 12}}, chans)
}

func TestUnsupportedTickets(t *testing.T) {
	s, _ := newSession(t, "xoxb-good")
	_, err := New().CreateTickets(context.Background(), s, nil)
	var ve fault.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reason, "slack does not support create_tickets")
}
