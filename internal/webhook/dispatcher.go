// Package webhook forwards execution events to configured HTTP endpoints.
//
// Each hook keeps its own cursor into the event stream, starting at the
// newest event when the dispatcher first sees it. A failed delivery leaves
// the cursor on the failed event so the next tick retries it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rallypoint/internal/config"
	"rallypoint/internal/logging"
	"rallypoint/internal/repo"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Logger   *zap.Logger
	Interval time.Duration
	Client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.Webhook) {
	log := logging.OrNop(d.Logger).With(zap.String("url", hook.URL))
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		log.Warn("webhook cursor init failed", zap.Error(err))
		return
	}
	evs, err := d.Repo.EventsSince(ctx, cursor, defaultBatch)
	if err != nil {
		log.Warn("webhook fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, ev := range evs {
		if filter.match(ev.Type) {
			if err := d.post(ctx, hook, ev); err != nil {
				log.Warn("webhook delivery failed",
					zap.String("event_id", ev.ID),
					zap.String("type", ev.Type),
					zap.Error(err))
				return
			}
			log.Debug("webhook delivered", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		}
		d.setCursor(idx, ev.Cursor)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Repo.LatestEventCursor(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Delivery is the JSON body posted for each event.
type Delivery struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	PlanID     string         `json:"plan_id"`
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  string         `json:"created_at"`
	Payload    map[string]any `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, ev repo.StreamEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(Delivery{
		ID:         ev.ID,
		Type:       ev.Type,
		PlanID:     ev.PlanID,
		InstanceID: ev.InstanceID,
		Seq:        ev.Seq,
		Success:    ev.Success,
		DurationMs: ev.DurationMs,
		CreatedAt:  ev.CreatedAt,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := DefaultTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rallypoint-Event", ev.Type)
	req.Header.Set("X-Rallypoint-Delivery", ev.ID)
	req.Header.Set("X-Rallypoint-Instance", ev.InstanceID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Rallypoint-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
