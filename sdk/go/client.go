package rallypointsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rallypoint HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval paces Watch; defaults to one second.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Minute,
	}
}

// Event is one entry of an execution timeline.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  string         `json:"created_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ProjectSync describes the channel and tickets created for an activation.
type ProjectSync struct {
	ChannelID    string   `json:"channel_id,omitempty"`
	MessageRef   string   `json:"message_ref,omitempty"`
	TicketKeys   []string `json:"ticket_keys"`
	TicketErrors []string `json:"ticket_errors,omitempty"`
	Status       string   `json:"status"`
}

// ActivationResult is returned by Activate for every run past the gate.
type ActivationResult struct {
	Success              bool         `json:"success"`
	InstanceID           string       `json:"instance_id"`
	Status               string       `json:"status"`
	StartedAt            string       `json:"started_at"`
	DeadlineAt           string       `json:"deadline_at"`
	ReadinessScore       int          `json:"readiness_score"`
	DocumentsGenerated   int          `json:"documents_generated"`
	StakeholdersNotified int          `json:"stakeholders_notified"`
	BudgetUnlocked       float64      `json:"budget_unlocked"`
	ProjectSync          *ProjectSync `json:"project_sync,omitempty"`
	Errors               []string     `json:"errors"`
	Events               []Event      `json:"events"`
}

// Warning is one readiness finding.
type Warning struct {
	Code            string   `json:"code"`
	Severity        string   `json:"severity"`
	Category        string   `json:"category"`
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	AffectedTasks   []string `json:"affected_tasks,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
}

type Readiness struct {
	CanProceed                 bool      `json:"can_proceed"`
	ReadinessScore             int       `json:"readiness_score"`
	Warnings                   []Warning `json:"warnings"`
	CriticalIssues             int       `json:"critical_issues"`
	EstimatedCompletionMinutes int       `json:"estimated_completion_minutes"`
}

type Instance struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	Status       string   `json:"status"`
	CurrentPhase string   `json:"current_phase"`
	StartedAt    string   `json:"started_at"`
	DeadlineAt   string   `json:"deadline_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

type Acknowledgment struct {
	StakeholderID  string  `json:"stakeholder_id"`
	Name           string  `json:"name"`
	Channel        string  `json:"channel"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	AcknowledgedAt *string `json:"acknowledged_at,omitempty"`
}

// Snapshot is the full status of one execution (partial).
type Snapshot struct {
	Instance         Instance         `json:"instance"`
	Events           []Event          `json:"events"`
	Acknowledgments  []Acknowledgment `json:"acknowledgments"`
	ProjectSync      *ProjectSync     `json:"project_sync,omitempty"`
	Deadline         string           `json:"deadline"`
	Overdue          bool             `json:"overdue"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	Acknowledged     int              `json:"acknowledged"`
}

type EventsPage struct {
	InstanceID string  `json:"instance_id"`
	Status     string  `json:"status"`
	Terminal   bool    `json:"terminal"`
	Events     []Event `json:"events"`
	Cursor     int64   `json:"cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Activate runs a plan activation and waits for its result.
func (c *Client) Activate(ctx context.Context, planID string) (ActivationResult, error) {
	var resp ActivationResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/activate", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

// Readiness evaluates a plan without activating it.
func (c *Client) Readiness(ctx context.Context, planID string) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("plans/%s/readiness", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

// Status returns the execution snapshot.
func (c *Client) Status(ctx context.Context, instanceID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("executions/%s", url.PathEscape(instanceID)), nil, &resp)
	return resp, err
}

// EventsAfter returns events with seq greater than after.
func (c *Client) EventsAfter(ctx context.Context, instanceID string, after int64) (EventsPage, error) {
	var resp EventsPage
	endpoint := fmt.Sprintf("executions/%s/events?after=%d", url.PathEscape(instanceID), after)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Acknowledge records that a stakeholder saw the activation.
func (c *Client) Acknowledge(ctx context.Context, instanceID, stakeholderID string) (Acknowledgment, error) {
	var resp Acknowledgment
	endpoint := fmt.Sprintf("executions/%s/acknowledgments/%s", url.PathEscape(instanceID), url.PathEscape(stakeholderID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Cancel stops a running activation.
func (c *Client) Cancel(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("executions/%s/cancel", url.PathEscape(instanceID)), nil, &resp)
	return resp, err
}

// Watch polls the event log from after, calling fn for each new event in seq
// order, until the execution is terminal or ctx is done. It returns the last
// page seen.
func (c *Client) Watch(ctx context.Context, instanceID string, after int64, fn func(Event)) (EventsPage, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		page, err := c.EventsAfter(ctx, instanceID, after)
		if err != nil {
			return page, err
		}
		for _, ev := range page.Events {
			if fn != nil {
				fn(ev)
			}
		}
		after = page.Cursor
		if page.Terminal {
			return page, nil
		}
		select {
		case <-ctx.Done():
			return page, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
