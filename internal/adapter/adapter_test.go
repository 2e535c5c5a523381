package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

type stubVendor struct {
	Unsupported
}

func (stubVendor) Name() string                         { return "stub" }
func (stubVendor) Capabilities() []string               { return []string{"chat"} }
func (stubVendor) Probe(context.Context, Session) error { return nil }

func TestCatalogLookup(t *testing.T) {
	c := NewCatalog(stubVendor{Unsupported{Vendor: "stub"}})
	v, err := c.Lookup("stub")
	require.NoError(t, err)
	assert.True(t, Supports(v, "chat"))
	assert.False(t, Supports(v, "calendar"))
	assert.Equal(t, []string{"stub"}, c.Names())

	_, err = c.Lookup("teams")
	var ve fault.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestUnsupportedNamesOperation(t *testing.T) {
	v := stubVendor{Unsupported{Vendor: "stub"}}
	_, err := v.ScheduleEvent(context.Background(), Session{}, EventRequest{})
	var ve fault.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reason, "stub does not support schedule_event")
}

func TestCreateEachIsolatesFailures(t *testing.T) {
	tickets := []Ticket{
		{Ref: "t1", Project: "OPS", Summary: "Rotate keys"},
		{Ref: "t2", Project: "OPS", Summary: "reject me"},
		{Ref: "t3", Project: "", Summary: "no project"},
		{Ref: "t4", Project: "OPS", Summary: "Notify customers"},
	}
	n := 0
	batch, err := CreateEach(context.Background(), tickets, func(_ context.Context, tk Ticket) (TicketOutcome, error) {
		if tk.Summary == "reject me" {
			return TicketOutcome{}, fault.VendorAPIError{Vendor: "stub", Status: 400, Message: "rejected"}
		}
		n++
		return TicketOutcome{Key: fmt.Sprintf("OPS-%d", n)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"OPS-1", "OPS-2"}, batch.Keys())
	require.Len(t, batch.Errors, 2)
	assert.Equal(t, "t2", batch.Errors[0].Ref)
	assert.Contains(t, batch.Errors[1].Error, "project")
	assert.Equal(t, "t4", batch.Created[1].Ref)
}

func TestCreateEachStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tickets := []Ticket{{Project: "OPS", Summary: "a"}, {Project: "OPS", Summary: "b"}}
	batch, err := CreateEach(ctx, tickets, func(context.Context, Ticket) (TicketOutcome, error) {
		cancel()
		return TicketOutcome{Key: "OPS-1"}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, batch.Created, 1)
	assert.Len(t, batch.Errors, 1)
}

func TestDoJSONMapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":"42"}`))
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s := Session{HTTP: srv.Client(), Credentials: vault.Credentials{Type: vault.TypeOAuth, Data: map[string]any{"access_token": "tok"}}}
	tok, err := RequireToken("stub", s, "access_token")
	require.NoError(t, err)
	client := BearerClient(ctx, s, tok)

	var out struct{ ID string }
	require.NoError(t, DoJSON(ctx, client, Request{Vendor: "stub", Op: "probe", URL: srv.URL + "/ok"}, &out))
	assert.Equal(t, "42", out.ID)

	err = DoJSON(ctx, client, Request{Vendor: "stub", Op: "probe", URL: srv.URL + "/denied"}, nil)
	var ae fault.AuthenticationError
	assert.True(t, errors.As(err, &ae))

	err = DoJSON(ctx, client, Request{Vendor: "stub", Op: "probe", URL: srv.URL + "/broken"}, nil)
	var va fault.VendorAPIError
	require.True(t, errors.As(err, &va))
	assert.Equal(t, http.StatusBadGateway, va.Status)
	assert.Equal(t, "upstream down", va.Message)

	_, err = RequireToken("stub", Session{}, "access_token")
	assert.True(t, errors.As(err, &ae))
}
