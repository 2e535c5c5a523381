package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"rallypoint/internal/app"
	"rallypoint/internal/domain"
	"rallypoint/internal/status"
)

type executionPath struct {
	InstanceID string `path:"instance_id"`
}

// authorizeInstance resolves the owning plan of an instance and checks the
// caller's organization against it.
func authorizeInstance(ctx context.Context, a *app.App, id string) error {
	inst, err := a.Repo.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	_, err = loadPlan(ctx, a, inst.PlanID)
	return err
}

func registerExecutions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{instance_id}",
		Summary:     "Execution status snapshot",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body status.Snapshot `json:"body"`
	}, error) {
		if err := authorizeInstance(ctx, a, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		snap, err := a.Status.Get(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		snap.Events = nonNilSlice(snap.Events)
		snap.Acknowledgments = nonNilSlice(snap.Acknowledgments)
		snap.Documents = nonNilSlice(snap.Documents)
		snap.Budgets = nonNilSlice(snap.Budgets)
		return &struct {
			Body status.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-events",
		Method:      http.MethodGet,
		Path:        "/executions/{instance_id}/events",
		Summary:     "Events after a sequence number",
		Description: "Poll with the returned cursor as `after` until terminal is true.",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		After      int64  `query:"after" minimum:"0"`
	}) (*struct {
		Body status.EventsPage `json:"body"`
	}, error) {
		if err := authorizeInstance(ctx, a, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		page, err := a.Status.EventsAfter(ctx, input.InstanceID, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		page.Events = nonNilSlice(page.Events)
		return &struct {
			Body status.EventsPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-stakeholder",
		Method:      http.MethodPost,
		Path:        "/executions/{instance_id}/acknowledgments/{stakeholder_id}",
		Summary:     "Record a stakeholder acknowledgment",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID    string `path:"instance_id"`
		StakeholderID string `path:"stakeholder_id"`
	}) (*struct {
		Body domain.StakeholderAcknowledgment `json:"body"`
	}, error) {
		if err := authorizeInstance(ctx, a, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		ack, err := a.Status.Acknowledge(ctx, input.InstanceID, input.StakeholderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StakeholderAcknowledgment `json:"body"`
		}{Body: ack}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{instance_id}/cancel",
		Summary:     "Cancel an activation",
		Description: "Stops a run in this process, or closes out an instance left running by a crashed process.",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body domain.ExecutionInstance `json:"body"`
	}, error) {
		if err := authorizeInstance(ctx, a, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		inst, err := a.Orchestrator.Cancel(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionInstance `json:"body"`
		}{Body: inst}, nil
	})
}
