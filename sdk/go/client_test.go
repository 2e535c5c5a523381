package rallypointsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchFollowsCursorUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/executions/inst-1/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		n := polls.Add(1)
		page := EventsPage{InstanceID: "inst-1", Status: "running", Cursor: after}
		if n <= 2 {
			page.Events = []Event{{Seq: after + 1, Type: fmt.Sprintf("event-%d", after+1)}}
			page.Cursor = after + 1
		} else {
			page.Status, page.Terminal = "completed", true
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	c.PollInterval = 5 * time.Millisecond
	var seen []int64
	page, err := c.Watch(context.Background(), "inst-1", 0, func(ev Event) { seen = append(seen, ev.Seq) })
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seen)
	assert.True(t, page.Terminal)
	assert.Equal(t, int64(2), page.Cursor)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"precondition_failed","message":"plan is not ready","details":{"readiness_score":40}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Activate(context.Background(), "plan-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "precondition_failed", apiErr.Code)
	assert.EqualValues(t, 40, apiErr.Details["readiness_score"])
}
