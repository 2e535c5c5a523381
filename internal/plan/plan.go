// Package plan stores the activation plans the orchestrator runs.
package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/logging"
	"rallypoint/internal/repo"
)

var statuses = map[string]bool{"draft": true, "approved": true, "archived": true}

type Service struct {
	Repo   repo.Repo
	Logger *zap.Logger
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Check reports the first structural problem with a plan. Semantic gaps
// (unreachable stakeholders, cycles, missing bindings) are left to readiness.
func Check(p domain.Plan) error {
	if p.ID == "" {
		return fault.ValidationError{Field: "id", Reason: "is required"}
	}
	if p.OrganizationID == "" {
		return fault.ValidationError{Field: "organization_id", Reason: "is required"}
	}
	if p.Title == "" {
		return fault.ValidationError{Field: "title", Reason: "is required"}
	}
	if !statuses[p.Status] {
		return fault.ValidationError{Field: "status", Reason: "must be one of [draft approved archived]"}
	}
	if p.TargetMinutes < 0 {
		return fault.ValidationError{Field: "target_minutes", Reason: "must not be negative"}
	}
	seen := map[string]bool{}
	for i, st := range p.Stakeholders {
		field := fmt.Sprintf("stakeholders[%d].id", i)
		if st.ID == "" {
			return fault.ValidationError{Field: field, Reason: "is required"}
		}
		if seen[st.ID] {
			return fault.ValidationError{Field: field, Reason: "duplicates " + st.ID}
		}
		seen[st.ID] = true
	}
	seen = map[string]bool{}
	for i, t := range p.Tasks {
		field := fmt.Sprintf("tasks[%d].id", i)
		if t.ID == "" {
			return fault.ValidationError{Field: field, Reason: "is required"}
		}
		if seen[t.ID] {
			return fault.ValidationError{Field: field, Reason: "duplicates " + t.ID}
		}
		if t.DurationMinutes < 0 {
			return fault.ValidationError{Field: fmt.Sprintf("tasks[%d].duration_minutes", i), Reason: "must not be negative"}
		}
		seen[t.ID] = true
	}
	return nil
}

// Save validates and upserts a plan, keeping the original creation time.
func (s Service) Save(ctx context.Context, p domain.Plan) (domain.Plan, error) {
	if err := Check(p); err != nil {
		return domain.Plan{}, err
	}
	if err := s.checkBindings(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	p.CreatedAt = now
	existing, err := s.Repo.GetPlan(ctx, p.ID)
	switch {
	case err == nil:
		if existing.OrganizationID != p.OrganizationID {
			return domain.Plan{}, fault.PreconditionError{
				Reason:  "plan belongs to another organization",
				Details: map[string]any{"plan_id": p.ID},
			}
		}
		p.CreatedAt = existing.CreatedAt
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Plan{}, err
	}
	p.UpdatedAt = now
	if err := s.Repo.UpsertPlan(ctx, p); err != nil {
		return domain.Plan{}, fmt.Errorf("store plan: %w", err)
	}
	logging.OrNop(s.Logger).Info("plan saved",
		zap.String("plan_id", p.ID),
		zap.String("status", p.Status),
		zap.Int("stakeholders", len(p.Stakeholders)),
		zap.Int("tasks", len(p.Tasks)))
	return p, nil
}

// checkBindings rejects connections owned by another organization. Missing
// connections are left to readiness.
func (s Service) checkBindings(ctx context.Context, p domain.Plan) error {
	b := p.Integrations
	for _, bnd := range []struct{ field, id string }{
		{"integrations.chat_connection_id", b.ChatConnectionID},
		{"integrations.ticketing_connection_id", b.TicketingConnectionID},
		{"integrations.calendar_connection_id", b.CalendarConnectionID},
	} {
		if bnd.id == "" {
			continue
		}
		conn, err := s.Repo.GetConnection(ctx, bnd.id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if conn.OrganizationID != p.OrganizationID {
			return fault.ValidationError{Field: bnd.field, Reason: fmt.Sprintf("connection %s belongs to another organization", bnd.id)}
		}
	}
	return nil
}

// Import parses a YAML plan document and saves it.
func (s Service) Import(ctx context.Context, data []byte) (domain.Plan, error) {
	var p domain.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return domain.Plan{}, fault.ValidationError{Field: "plan", Reason: err.Error()}
	}
	return s.Save(ctx, p)
}

func (s Service) Get(ctx context.Context, id string) (domain.Plan, error) {
	return s.Repo.GetPlan(ctx, id)
}

func (s Service) List(ctx context.Context, orgID string) ([]domain.Plan, error) {
	return s.Repo.ListPlans(ctx, orgID)
}
