package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
)

type call func(ctx context.Context, v adapter.Vendor, s adapter.Session) error

// invoke runs one vendor call: look up the adapter, decrypt credentials, wait
// for the connection's rate limiter, then call under an explicit timeout. The
// decrypted credentials are wiped when the call returns.
func (s *Service) invoke(ctx context.Context, conn domain.IntegrationConnection, op string, timeout time.Duration, fn call) error {
	vendor, err := s.Catalog.Lookup(conn.Vendor)
	if err != nil {
		return err
	}
	creds, err := s.Vault.Decrypt(conn.CredentialBlob)
	if err != nil {
		s.log().Error("credential blob failed integrity check",
			zap.String("connection_id", conn.ID), zap.String("vendor", conn.Vendor), zap.Error(err))
		return err
	}
	defer creds.Wipe()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	if err := s.limiter(conn.ID).Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fault.TimeoutError{Vendor: conn.Vendor, Op: op, After: timeout}
	}
	base := conn.ConfigString("base_url")
	if base == "" {
		base = s.BaseURLs[conn.Vendor]
	}
	err = fn(ctx, vendor, adapter.Session{
		ConnectionID: conn.ID,
		Credentials:  creds,
		Config:       conn.Config,
		BaseURL:      base,
		HTTP:         s.HTTP,
	})
	err = fault.Classify(ctx, err, conn.Vendor, op, timeout)
	took := s.now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = fault.Kind(err)
		s.log().Warn("vendor call failed",
			zap.String("connection_id", conn.ID), zap.String("vendor", conn.Vendor),
			zap.String("op", op), zap.Duration("took", took), zap.String("error_kind", outcome), zap.Error(err))
	} else {
		s.log().Debug("vendor call", zap.String("connection_id", conn.ID), zap.String("vendor", conn.Vendor),
			zap.String("op", op), zap.Duration("took", took))
	}
	s.Metrics.ObserveVendorCall(conn.Vendor, op, outcome, took)
	return err
}

func (s *Service) limiter(id string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if s.limiters == nil {
		s.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := s.limiters[id]
	if !ok {
		limit, burst := s.RateLimit, s.Burst
		if limit <= 0 {
			limit = rate.Inf
		}
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		s.limiters[id] = l
	}
	return l
}

func (s *Service) dropLimiter(id string) {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	delete(s.limiters, id)
}

// usable loads an active connection of exactly integrationType. Mutating
// operations go through it.
func (s *Service) usable(ctx context.Context, id, integrationType string) (domain.IntegrationConnection, error) {
	return s.active(ctx, id, integrationType, false)
}

// queryable is usable for read-only queries, which a directory connection
// may also answer.
func (s *Service) queryable(ctx context.Context, id, integrationType string) (domain.IntegrationConnection, error) {
	return s.active(ctx, id, integrationType, true)
}

func (s *Service) active(ctx context.Context, id, integrationType string, directoryOK bool) (domain.IntegrationConnection, error) {
	conn, err := s.Repo.GetConnection(ctx, id)
	if err != nil {
		return conn, err
	}
	if conn.Status != domain.ConnectionActive {
		return conn, fault.PreconditionError{
			Reason:  fmt.Sprintf("connection %s is %s", id, conn.Status),
			Details: map[string]any{"connection_id": id, "status": conn.Status, "last_error": conn.LastError},
		}
	}
	if conn.IntegrationType == domain.IntegrationDirectory && directoryOK {
		return conn, nil
	}
	if integrationType != "" && conn.IntegrationType != integrationType {
		return conn, fault.ValidationError{Field: "connection", Reason: fmt.Sprintf("connection %s is a %s integration, not %s", id, conn.IntegrationType, integrationType)}
	}
	return conn, nil
}

func (s *Service) CreateChannel(ctx context.Context, connectionID string, req adapter.ChannelRequest) (adapter.Channel, error) {
	conn, err := s.usable(ctx, connectionID, domain.IntegrationChat)
	if err != nil {
		return adapter.Channel{}, err
	}
	var ch adapter.Channel
	err = s.invoke(ctx, conn, adapter.OpCreateChannel, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		ch, err = v.CreateChannel(ctx, sess, req)
		return err
	})
	return ch, err
}

func (s *Service) SendMessage(ctx context.Context, connectionID string, msg adapter.Message) (string, error) {
	conn, err := s.usable(ctx, connectionID, domain.IntegrationChat)
	if err != nil {
		return "", err
	}
	var ref string
	err = s.invoke(ctx, conn, adapter.OpPostMessage, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		ref, err = v.PostMessage(ctx, sess, msg)
		return err
	})
	return ref, err
}

// CreateTickets returns the partial batch even when err is non-nil.
func (s *Service) CreateTickets(ctx context.Context, connectionID string, tickets []adapter.Ticket) (adapter.TicketBatch, error) {
	conn, err := s.usable(ctx, connectionID, domain.IntegrationTicketing)
	if err != nil {
		return adapter.TicketBatch{}, err
	}
	var batch adapter.TicketBatch
	err = s.invoke(ctx, conn, adapter.OpCreateTickets, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		batch, err = v.CreateTickets(ctx, sess, tickets)
		return err
	})
	return batch, err
}

func (s *Service) UpdateTicketStatus(ctx context.Context, connectionID, key, target string) error {
	conn, err := s.usable(ctx, connectionID, domain.IntegrationTicketing)
	if err != nil {
		return err
	}
	return s.invoke(ctx, conn, adapter.OpUpdateTicketStatus, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		return v.UpdateTicketStatus(ctx, sess, key, target)
	})
}

func (s *Service) ScheduleEvent(ctx context.Context, connectionID string, req adapter.EventRequest) (string, error) {
	conn, err := s.usable(ctx, connectionID, domain.IntegrationCalendar)
	if err != nil {
		return "", err
	}
	var id string
	err = s.invoke(ctx, conn, adapter.OpScheduleEvent, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		id, err = v.ScheduleEvent(ctx, sess, req)
		return err
	})
	return id, err
}

func (s *Service) QueryStakeholders(ctx context.Context, connectionID string, f adapter.DirectoryFilter) ([]adapter.Person, error) {
	conn, err := s.queryable(ctx, connectionID, "")
	if err != nil {
		return nil, err
	}
	var people []adapter.Person
	err = s.invoke(ctx, conn, adapter.OpQueryDirectory, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		people, err = v.QueryDirectory(ctx, sess, f)
		return err
	})
	return people, err
}

func (s *Service) QueryChannels(ctx context.Context, connectionID string) ([]adapter.ChannelInfo, error) {
	conn, err := s.queryable(ctx, connectionID, domain.IntegrationChat)
	if err != nil {
		return nil, err
	}
	var chans []adapter.ChannelInfo
	err = s.invoke(ctx, conn, adapter.OpQueryChannels, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		chans, err = v.QueryChannels(ctx, sess)
		return err
	})
	return chans, err
}

func (s *Service) QueryProjects(ctx context.Context, connectionID string) ([]adapter.Project, error) {
	conn, err := s.queryable(ctx, connectionID, domain.IntegrationTicketing)
	if err != nil {
		return nil, err
	}
	var projects []adapter.Project
	err = s.invoke(ctx, conn, adapter.OpQueryProjects, s.vendorTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		var err error
		projects, err = v.QueryProjects(ctx, sess)
		return err
	})
	return projects, err
}
