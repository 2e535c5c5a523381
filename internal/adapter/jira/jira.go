// Package jira implements ticketing against the Jira Cloud REST API v3.
package jira

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

const (
	Name             = "jira"
	defaultIssueType = "Task"
)

type Vendor struct {
	adapter.Unsupported
}

func New() Vendor {
	return Vendor{Unsupported: adapter.Unsupported{Vendor: Name}}
}

func (Vendor) Name() string { return Name }

func (Vendor) Capabilities() []string {
	return []string{domain.IntegrationTicketing, domain.IntegrationDirectory}
}

type call struct {
	client *http.Client
	base   string
	header http.Header
}

// open resolves the site URL and authentication. api_key credentials use
// basic auth with email and api_token; oauth credentials send a bearer token.
func open(ctx context.Context, s adapter.Session) (call, error) {
	base := adapter.BaseURL(s, s.Credentials.Field("base_url"))
	if base == "" {
		base = strings.TrimRight(s.ConfigString("site_url"), "/")
	}
	if base == "" {
		return call{}, fault.ValidationError{Field: "base_url", Reason: "jira site url is required"}
	}
	c := call{base: base, header: http.Header{}}
	switch s.Credentials.Type {
	case vault.TypeAPIKey:
		email, err := adapter.RequireToken(Name, s, "email")
		if err != nil {
			return call{}, err
		}
		tok, err := adapter.RequireToken(Name, s, "api_token", "token")
		if err != nil {
			return call{}, err
		}
		c.header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(email+":"+tok)))
		c.client = s.HTTP
	default:
		tok, err := adapter.RequireToken(Name, s, "access_token", "token")
		if err != nil {
			return call{}, err
		}
		c.client = adapter.BearerClient(ctx, s, tok)
	}
	return c, nil
}

func (c call) do(ctx context.Context, op, method, path string, body, out any) error {
	return adapter.DoJSON(ctx, c.client, adapter.Request{Vendor: Name, Op: op, Method: method, URL: c.base + path, Header: c.header, Body: body}, out)
}

func (Vendor) Probe(ctx context.Context, s adapter.Session) error {
	c, err := open(ctx, s)
	if err != nil {
		return err
	}
	var me struct {
		AccountID string `json:"accountId"`
	}
	return c.do(ctx, adapter.OpProbe, http.MethodGet, "/rest/api/3/myself", nil, &me)
}

// doc wraps plain text in an Atlassian document, the only description format
// v3 accepts.
func doc(text string) map[string]any {
	paragraphs := []any{}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		paragraphs = append(paragraphs, map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": line}},
		})
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}

func (Vendor) CreateTickets(ctx context.Context, s adapter.Session, tickets []adapter.Ticket) (adapter.TicketBatch, error) {
	c, err := open(ctx, s)
	if err != nil {
		return adapter.TicketBatch{}, err
	}
	issueType := s.ConfigString("issue_type")
	if issueType == "" {
		issueType = defaultIssueType
	}
	return adapter.CreateEach(ctx, tickets, func(ctx context.Context, t adapter.Ticket) (adapter.TicketOutcome, error) {
		fields := map[string]any{
			"project":   map[string]any{"key": t.Project},
			"summary":   t.Summary,
			"issuetype": map[string]any{"name": issueType},
		}
		if t.Description != "" {
			fields["description"] = doc(t.Description)
		}
		if len(t.Labels) > 0 {
			fields["labels"] = t.Labels
		}
		if t.Priority != "" {
			fields["priority"] = map[string]any{"name": t.Priority}
		}
		if t.Assignee != "" {
			fields["assignee"] = map[string]any{"accountId": t.Assignee}
		}
		var created struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		}
		if err := c.do(ctx, adapter.OpCreateTickets, http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields}, &created); err != nil {
			return adapter.TicketOutcome{}, err
		}
		return adapter.TicketOutcome{Key: created.Key, URL: c.base + "/browse/" + created.Key}, nil
	})
}

// UpdateTicketStatus resolves target against the issue's available
// transitions by transition name or destination status name.
func (Vendor) UpdateTicketStatus(ctx context.Context, s adapter.Session, key, target string) error {
	if strings.TrimSpace(key) == "" {
		return fault.ValidationError{Field: "key", Reason: "is required"}
	}
	c, err := open(ctx, s)
	if err != nil {
		return err
	}
	path := "/rest/api/3/issue/" + url.PathEscape(key) + "/transitions"
	var res struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := c.do(ctx, adapter.OpUpdateTicketStatus, http.MethodGet, path, nil, &res); err != nil {
		return err
	}
	var (
		id        string
		available []string
	)
	for _, tr := range res.Transitions {
		available = append(available, tr.To.Name)
		if strings.EqualFold(tr.Name, target) || strings.EqualFold(tr.To.Name, target) {
			id = tr.ID
			break
		}
	}
	if id == "" {
		return fault.ValidationError{Field: "status", Reason: fmt.Sprintf("no transition to %q for %s (available: %s)", target, key, strings.Join(available, ", "))}
	}
	return c.do(ctx, adapter.OpUpdateTicketStatus, http.MethodPost, path, map[string]any{"transition": map[string]any{"id": id}}, nil)
}

func (Vendor) QueryProjects(ctx context.Context, s adapter.Session) ([]adapter.Project, error) {
	c, err := open(ctx, s)
	if err != nil {
		return nil, err
	}
	var res struct {
		Values []struct {
			ID   string `json:"id"`
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"values"`
	}
	if err := c.do(ctx, adapter.OpQueryProjects, http.MethodGet, "/rest/api/3/project/search?maxResults=100", nil, &res); err != nil {
		return nil, err
	}
	out := make([]adapter.Project, 0, len(res.Values))
	for _, p := range res.Values {
		out = append(out, adapter.Project{ID: p.ID, Key: p.Key, Name: p.Name})
	}
	return out, nil
}

func (Vendor) QueryDirectory(ctx context.Context, s adapter.Session, f adapter.DirectoryFilter) ([]adapter.Person, error) {
	c, err := open(ctx, s)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("query", f.Query)
	if f.Limit > 0 {
		q.Set("maxResults", fmt.Sprint(f.Limit))
	}
	var users []struct {
		AccountID    string `json:"accountId"`
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
		Active       bool   `json:"active"`
		AccountType  string `json:"accountType"`
	}
	if err := c.do(ctx, adapter.OpQueryDirectory, http.MethodGet, "/rest/api/3/user/search?"+q.Encode(), nil, &users); err != nil {
		return nil, err
	}
	people := []adapter.Person{}
	for _, u := range users {
		if !u.Active || u.AccountType == "app" {
			continue
		}
		people = append(people, adapter.Person{ID: u.AccountID, Name: u.DisplayName, Email: u.EmailAddress})
	}
	return people, nil
}
