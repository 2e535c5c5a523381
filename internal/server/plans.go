package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"rallypoint/internal/app"
	"rallypoint/internal/domain"
	"rallypoint/internal/orchestrator"
	"rallypoint/internal/readiness"
	"rallypoint/internal/repo"
)

type planPath struct {
	PlanID string `path:"plan_id"`
}

func loadPlan(ctx context.Context, a *app.App, id string) (domain.Plan, error) {
	p, err := a.Plans.Get(ctx, id)
	if err != nil {
		return p, err
	}
	return p, authorizeOrg(ctx, p.OrganizationID)
}

// authorizeBindings checks the caller may use every connection the plan binds.
func authorizeBindings(ctx context.Context, a *app.App, b domain.IntegrationBindings, orgID string) error {
	for _, id := range []string{b.ChatConnectionID, b.TicketingConnectionID, b.CalendarConnectionID} {
		if id == "" {
			continue
		}
		conn, err := a.Repo.GetConnection(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if conn.OrganizationID != orgID {
			return forbiddenError{OrganizationID: conn.OrganizationID}
		}
	}
	return nil
}

func registerPlans(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "put-plan",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}",
		Summary:     "Create or replace a plan",
		Tags:        []string{"plans"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID string      `path:"plan_id"`
		Body   PlanRequest `json:"body"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		if err := authorizeOrg(ctx, input.Body.OrganizationID); err != nil {
			return nil, handleError(err)
		}
		if err := authorizeBindings(ctx, a, input.Body.Integrations, input.Body.OrganizationID); err != nil {
			return nil, handleError(err)
		}
		p, err := a.Plans.Save(ctx, input.Body.toPlan(input.PlanID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plan summaries",
		Tags:        []string{"plans"},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organization_id"`
	}) (*struct {
		Body PlanList `json:"body"`
	}, error) {
		orgID, err := scopedOrg(ctx, input.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := a.Plans.List(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanList `json:"body"`
		}{Body: PlanList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get a plan",
		Tags:        []string{"plans"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		p, err := loadPlan(ctx, a, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-readiness",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/readiness",
		Summary:     "Evaluate readiness",
		Description: "Computed from current plan and connection state on every call.",
		Tags:        []string{"plans"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body readiness.Report `json:"body"`
	}, error) {
		p, err := loadPlan(ctx, a, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := a.Readiness.AssessPlan(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body readiness.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/activate",
		Summary:     "Activate a plan",
		Description: "Runs the activation to completion. Returns 409 when readiness blocks the plan or an activation is already in flight.",
		Tags:        []string{"plans"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body orchestrator.Result `json:"body"`
	}, error) {
		if _, err := loadPlan(ctx, a, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		// The run outlives a dropped client; cancel it explicitly instead.
		res, err := a.Orchestrator.Activate(context.WithoutCancel(ctx), input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Errors = nonNilSlice(res.Errors)
		res.Events = nonNilSlice(res.Events)
		return &struct {
			Body orchestrator.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/executions",
		Summary:     "List a plan's activations",
		Tags:        []string{"plans"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body ExecutionList `json:"body"`
	}, error) {
		if _, err := loadPlan(ctx, a, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Status.List(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionList `json:"body"`
		}{Body: ExecutionList{Items: nonNilSlice(items)}}, nil
	})
}
