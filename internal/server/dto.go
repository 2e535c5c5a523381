package server

import (
	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
)

// PlanRequest is the body of PUT /plans/{plan_id}. The plan id comes from the
// path.
type PlanRequest struct {
	OrganizationID string                     `json:"organization_id" minLength:"1"`
	Title          string                     `json:"title" minLength:"1"`
	Summary        string                     `json:"summary,omitempty"`
	Status         string                     `json:"status" enum:"draft,approved,archived"`
	TargetMinutes  int                        `json:"target_minutes,omitempty" minimum:"0"`
	Stakeholders   []domain.Stakeholder       `json:"stakeholders,omitempty"`
	Tasks          []domain.PlanTask          `json:"tasks,omitempty"`
	Budgets        []domain.Budget            `json:"budgets,omitempty"`
	Documents      []domain.DocumentSpec      `json:"documents,omitempty"`
	Integrations   domain.IntegrationBindings `json:"integrations,omitempty"`
	Kickoff        *domain.KickoffSlot        `json:"kickoff,omitempty"`
	OrgChart       domain.OrgChart            `json:"org_chart,omitempty"`
}

func (r PlanRequest) toPlan(id string) domain.Plan {
	return domain.Plan{
		ID:             id,
		OrganizationID: r.OrganizationID,
		Title:          r.Title,
		Summary:        r.Summary,
		Status:         r.Status,
		TargetMinutes:  r.TargetMinutes,
		Stakeholders:   nonNilSlice(r.Stakeholders),
		Tasks:          nonNilSlice(r.Tasks),
		Budgets:        r.Budgets,
		Documents:      r.Documents,
		Integrations:   r.Integrations,
		Kickoff:        r.Kickoff,
		OrgChart:       r.OrgChart,
	}
}

type ConnectionList struct {
	Items []domain.IntegrationConnection `json:"items"`
}

type PlanList struct {
	Items []domain.Plan `json:"items"`
}

type ExecutionList struct {
	Items []domain.ExecutionInstance `json:"items"`
}

type PeopleList struct {
	Items []adapter.Person `json:"items"`
}

type ChannelList struct {
	Items []adapter.ChannelInfo `json:"items"`
}

type ProjectList struct {
	Items []adapter.Project `json:"items"`
}

type TicketsRequest struct {
	Tickets []adapter.Ticket `json:"tickets" minItems:"1"`
}

type TicketStatusRequest struct {
	Status string `json:"status" minLength:"1"`
}

// RefResponse carries the vendor reference of a created object.
type RefResponse struct {
	Ref string `json:"ref"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
