package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"rallypoint/internal/adapter"
	"rallypoint/internal/app"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/integration"
)

type connectionPath struct {
	ConnectionID string `path:"connection_id"`
}

// loadConnection fetches a connection the caller is allowed to see.
func loadConnection(ctx context.Context, a *app.App, id string) (domain.IntegrationConnection, error) {
	conn, err := a.Integrations.Get(ctx, id)
	if err != nil {
		return conn, err
	}
	return conn, authorizeOrg(ctx, conn.OrganizationID)
}

func registerIntegrations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "connect-integration",
		Method:        http.MethodPost,
		Path:          "/integrations",
		Summary:       "Connect an external system",
		Description:   "Stores encrypted credentials and probes the vendor. A failed probe still creates the connection, in error state.",
		Tags:          []string{"integrations"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body integration.ConnectRequest `json:"body"`
	}) (*struct {
		Body domain.IntegrationConnection `json:"body"`
	}, error) {
		if err := authorizeOrg(ctx, input.Body.OrganizationID); err != nil {
			return nil, handleError(err)
		}
		conn, err := a.Integrations.Connect(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntegrationConnection `json:"body"`
		}{Body: conn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-integrations",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "List connections",
		Tags:        []string{"integrations"},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organization_id"`
	}) (*struct {
		Body ConnectionList `json:"body"`
	}, error) {
		orgID, err := scopedOrg(ctx, input.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := a.Integrations.List(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionList `json:"body"`
		}{Body: ConnectionList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-integration",
		Method:      http.MethodGet,
		Path:        "/integrations/{connection_id}",
		Summary:     "Get a connection",
		Tags:        []string{"integrations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body domain.IntegrationConnection `json:"body"`
	}, error) {
		conn, err := loadConnection(ctx, a, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntegrationConnection `json:"body"`
		}{Body: conn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect-integration",
		Method:      http.MethodDelete,
		Path:        "/integrations/{connection_id}",
		Summary:     "Disconnect",
		Description: "Marks the connection inactive. Stored credentials are kept so it can be audited.",
		Tags:        []string{"integrations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body domain.IntegrationConnection `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		conn, err := a.Integrations.Disconnect(ctx, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntegrationConnection `json:"body"`
		}{Body: conn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-integration",
		Method:      http.MethodPost,
		Path:        "/integrations/{connection_id}/test",
		Summary:     "Re-run the connection probe",
		Tags:        []string{"integrations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body integration.TestResult `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		res, err := a.Integrations.TestConnection(ctx, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body integration.TestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "integration-health",
		Method:      http.MethodGet,
		Path:        "/integrations/{connection_id}/health",
		Summary:     "Stored connection health",
		Tags:        []string{"integrations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body integration.HealthReport `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		rep, err := a.Integrations.Health(ctx, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body integration.HealthReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerVendorOps(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "query-stakeholders",
		Method:      http.MethodGet,
		Path:        "/integrations/{connection_id}/stakeholders",
		Summary:     "Search the vendor directory",
		Tags:        []string{"vendor"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string `path:"connection_id"`
		Query        string `query:"query"`
		Scope        string `query:"scope"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body PeopleList `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		people, err := a.Integrations.QueryStakeholders(ctx, input.ConnectionID, adapter.DirectoryFilter{Query: input.Query, Scope: input.Scope, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PeopleList `json:"body"`
		}{Body: PeopleList{Items: nonNilSlice(people)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-channels",
		Method:      http.MethodGet,
		Path:        "/integrations/{connection_id}/channels",
		Summary:     "List vendor channels",
		Tags:        []string{"vendor"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body ChannelList `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		chans, err := a.Integrations.QueryChannels(ctx, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChannelList `json:"body"`
		}{Body: ChannelList{Items: nonNilSlice(chans)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-projects",
		Method:      http.MethodGet,
		Path:        "/integrations/{connection_id}/projects",
		Summary:     "List ticketing projects",
		Tags:        []string{"vendor"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		projects, err := a.Integrations.QueryProjects(ctx, input.ConnectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: ProjectList{Items: nonNilSlice(projects)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-channel",
		Method:        http.MethodPost,
		Path:          "/integrations/{connection_id}/channels",
		Summary:       "Create a chat channel",
		Tags:          []string{"vendor"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string                 `path:"connection_id"`
		Body         adapter.ChannelRequest `json:"body"`
	}) (*struct {
		Body adapter.Channel `json:"body"`
	}, error) {
		if err := fault.Validate(input.Body); err != nil {
			return nil, handleError(err)
		}
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		ch, err := a.Integrations.CreateChannel(ctx, input.ConnectionID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body adapter.Channel `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/integrations/{connection_id}/messages",
		Summary:       "Post a chat message",
		Tags:          []string{"vendor"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string          `path:"connection_id"`
		Body         adapter.Message `json:"body"`
	}) (*struct {
		Body RefResponse `json:"body"`
	}, error) {
		if err := fault.Validate(input.Body); err != nil {
			return nil, handleError(err)
		}
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		ref, err := a.Integrations.SendMessage(ctx, input.ConnectionID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefResponse `json:"body"`
		}{Body: RefResponse{Ref: ref}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-tickets",
		Method:      http.MethodPost,
		Path:        "/integrations/{connection_id}/tickets",
		Summary:     "Create tickets in one batch",
		Description: "Per-ticket failures are reported in errors; the call fails only when nothing could be attempted.",
		Tags:        []string{"vendor"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string         `path:"connection_id"`
		Body         TicketsRequest `json:"body"`
	}) (*struct {
		Body adapter.TicketBatch `json:"body"`
	}, error) {
		for _, t := range input.Body.Tickets {
			if err := fault.Validate(t); err != nil {
				return nil, handleError(err)
			}
		}
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		batch, err := a.Integrations.CreateTickets(ctx, input.ConnectionID, input.Body.Tickets)
		if err != nil && len(batch.Created) == 0 {
			return nil, handleError(err)
		}
		batch.Created = nonNilSlice(batch.Created)
		batch.Errors = nonNilSlice(batch.Errors)
		return &struct {
			Body adapter.TicketBatch `json:"body"`
		}{Body: batch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket-status",
		Method:      http.MethodPatch,
		Path:        "/integrations/{connection_id}/tickets/{key}/status",
		Summary:     "Move a ticket to another status",
		Tags:        []string{"vendor"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string              `path:"connection_id"`
		Key          string              `path:"key"`
		Body         TicketStatusRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		if err := a.Integrations.UpdateTicketStatus(ctx, input.ConnectionID, input.Key, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"key": input.Key, "status": input.Body.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "schedule-event",
		Method:        http.MethodPost,
		Path:          "/integrations/{connection_id}/events",
		Summary:       "Schedule a calendar event",
		Tags:          []string{"vendor"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ConnectionID string               `path:"connection_id"`
		Body         adapter.EventRequest `json:"body"`
	}) (*struct {
		Body RefResponse `json:"body"`
	}, error) {
		if err := fault.Validate(input.Body); err != nil {
			return nil, handleError(err)
		}
		if _, err := loadConnection(ctx, a, input.ConnectionID); err != nil {
			return nil, handleError(err)
		}
		id, err := a.Integrations.ScheduleEvent(ctx, input.ConnectionID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefResponse `json:"body"`
		}{Body: RefResponse{Ref: id}}, nil
	})
}
