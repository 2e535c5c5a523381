// Package github implements ticketing on GitHub Issues. A ticket project is a
// repository in owner/name form; ticket keys are owner/name#number.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
)

const Name = "github"

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

func newClient(ctx context.Context, s adapter.Session) (*gh.Client, error) {
	tok, err := adapter.RequireToken(Name, s, "access_token", "token")
	if err != nil {
		return nil, err
	}
	client := gh.NewClient(adapter.BearerClient(ctx, s, tok))
	if s.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/")
		if err != nil {
			return nil, fault.ValidationError{Field: "base_url", Reason: err.Error()}
		}
		client.BaseURL = u
	}
	return client, nil
}

// mapErr converts go-github failures into the shared error types.
func mapErr(op string, resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.Response.StatusCode
	}
	var er *gh.ErrorResponse
	msg := err.Error()
	if errors.As(err, &er) {
		msg = er.Message
	}
	switch {
	case status == http.StatusUnauthorized:
		return fault.AuthenticationError{Vendor: Name, Reason: msg}
	case status > 0:
		return fault.VendorAPIError{Vendor: Name, Op: op, Status: status, Message: msg}
	}
	return fmt.Errorf("%s %s: %w", Name, op, err)
}

func splitRepo(full string) (string, string, error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fault.ValidationError{Field: "project", Reason: fmt.Sprintf("%q is not an owner/repo name", full)}
	}
	return owner, repo, nil
}

// splitKey parses owner/repo#number.
func splitKey(key string) (string, string, int, error) {
	full, num, ok := strings.Cut(key, "#")
	if !ok {
		return "", "", 0, fault.ValidationError{Field: "key", Reason: fmt.Sprintf("%q is not an owner/repo#number key", key)}
	}
	owner, repo, err := splitRepo(full)
	if err != nil {
		return "", "", 0, err
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return "", "", 0, fault.ValidationError{Field: "key", Reason: fmt.Sprintf("%q has no issue number", key)}
	}
	return owner, repo, n, nil
}

func (Vendor) Probe(ctx context.Context, s adapter.Session) error {
	client, err := newClient(ctx, s)
	if err != nil {
		return err
	}
	_, resp, err := client.Users.Get(ctx, "")
	return mapErr(adapter.OpProbe, resp, err)
}

func (Vendor) CreateTickets(ctx context.Context, s adapter.Session, tickets []adapter.Ticket) (adapter.TicketBatch, error) {
	client, err := newClient(ctx, s)
	if err != nil {
		return adapter.TicketBatch{}, err
	}
	return adapter.CreateEach(ctx, tickets, func(ctx context.Context, t adapter.Ticket) (adapter.TicketOutcome, error) {
		owner, repo, err := splitRepo(t.Project)
		if err != nil {
			return adapter.TicketOutcome{}, err
		}
		req := &gh.IssueRequest{Title: gh.String(t.Summary)}
		if t.Description != "" {
			req.Body = gh.String(t.Description)
		}
		if t.Assignee != "" {
			req.Assignee = gh.String(t.Assignee)
		}
		labels := append([]string(nil), t.Labels...)
		if t.Priority != "" {
			labels = append(labels, "priority:"+strings.ToLower(t.Priority))
		}
		if len(labels) > 0 {
			req.Labels = &labels
		}
		issue, resp, err := client.Issues.Create(ctx, owner, repo, req)
		if err != nil {
			return adapter.TicketOutcome{}, mapErr(adapter.OpCreateTickets, resp, err)
		}
		return adapter.TicketOutcome{
			Key: fmt.Sprintf("%s/%s#%d", owner, repo, issue.GetNumber()),
			URL: issue.GetHTMLURL(),
		}, nil
	})
}

// UpdateTicketStatus accepts the two issue states GitHub knows, open and closed.
func (Vendor) UpdateTicketStatus(ctx context.Context, s adapter.Session, key, target string) error {
	state := strings.ToLower(strings.TrimSpace(target))
	if state != "open" && state != "closed" {
		return fault.ValidationError{Field: "status", Reason: fmt.Sprintf("no transition to %q for %s (available: open, closed)", target, key)}
	}
	owner, repo, number, err := splitKey(key)
	if err != nil {
		return err
	}
	client, err := newClient(ctx, s)
	if err != nil {
		return err
	}
	_, resp, err := client.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{State: gh.String(state)})
	return mapErr(adapter.OpUpdateTicketStatus, resp, err)
}

func (Vendor) QueryProjects(ctx context.Context, s adapter.Session) ([]adapter.Project, error) {
	client, err := newClient(ctx, s)
	if err != nil {
		return nil, err
	}
	repos, resp, err := client.Repositories.List(ctx, "", &gh.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, mapErr(adapter.OpQueryProjects, resp, err)
	}
	out := make([]adapter.Project, 0, len(repos))
	for _, r := range repos {
		if r.GetArchived() || !r.GetHasIssues() {
			continue
		}
		out = append(out, adapter.Project{ID: strconv.FormatInt(r.GetID(), 10), Key: r.GetFullName(), Name: r.GetName()})
	}
	return out, nil
}

// QueryDirectory lists collaborators of the repository named by the filter
// scope, falling back to the connection's configured repository.
func (Vendor) QueryDirectory(ctx context.Context, s adapter.Session, f adapter.DirectoryFilter) ([]adapter.Person, error) {
	scope := f.Scope
	if scope == "" {
		scope = s.ConfigString("repository")
	}
	owner, repo, err := splitRepo(scope)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ctx, s)
	if err != nil {
		return nil, err
	}
	users, resp, err := client.Repositories.ListCollaborators(ctx, owner, repo, &gh.ListCollaboratorsOptions{ListOptions: gh.ListOptions{PerPage: 100}})
	if err != nil {
		return nil, mapErr(adapter.OpQueryDirectory, resp, err)
	}
	needle := strings.ToLower(f.Query)
	people := []adapter.Person{}
	for _, u := range users {
		p := adapter.Person{ID: u.GetLogin(), Name: u.GetName(), Email: u.GetEmail()}
		if p.Name == "" {
			p.Name = p.ID
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.ID+" "+p.Name), needle) {
			continue
		}
		people = append(people, p)
		if f.Limit > 0 && len(people) == f.Limit {
			break
		}
	}
	return people, nil
}
