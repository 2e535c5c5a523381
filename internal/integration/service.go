package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/logging"
	"rallypoint/internal/metrics"
	"rallypoint/internal/repo"
	"rallypoint/internal/vault"
)

const (
	DefaultProbeTimeout  = 10 * time.Second
	DefaultVendorTimeout = 15 * time.Second
)

// Service owns connection lifecycle and is the only path from a connection id
// to a vendor call. Every call decrypts its own copy of the credentials.
type Service struct {
	Repo          repo.Repo
	Vault         *vault.Vault
	Catalog       *adapter.Catalog
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	HTTP          *http.Client
	BaseURLs      map[string]string
	Now           func() time.Time
	ProbeTimeout  time.Duration
	VendorTimeout time.Duration
	RateLimit     rate.Limit
	Burst         int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

type ConnectRequest struct {
	OrganizationID  string         `json:"organization_id" validate:"required"`
	Name            string         `json:"name" validate:"required,max=120"`
	Vendor          string         `json:"vendor" validate:"required"`
	IntegrationType string         `json:"integration_type" validate:"required,oneof=chat ticketing calendar directory"`
	Credentials     CredentialsIn  `json:"credentials" validate:"required"`
	Config          map[string]any `json:"config,omitempty"`
}

// CredentialsIn is the wire shape of credentials on connect.
type CredentialsIn struct {
	Type string         `json:"type" validate:"required"`
	Data map[string]any `json:"data" validate:"required"`
}

type HealthReport struct {
	Healthy  bool    `json:"healthy"`
	Status   string  `json:"status"`
	LastSync *string `json:"last_sync,omitempty"`
	Message  string  `json:"message,omitempty"`
}

type TestResult struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	TestedAt  string `json:"tested_at"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *zap.Logger {
	return logging.OrNop(s.Logger)
}

func (s *Service) probeTimeout() time.Duration {
	if s.ProbeTimeout > 0 {
		return s.ProbeTimeout
	}
	return DefaultProbeTimeout
}

func (s *Service) vendorTimeout() time.Duration {
	if s.VendorTimeout > 0 {
		return s.VendorTimeout
	}
	return DefaultVendorTimeout
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Connect stores a new connection and probes it. A failed probe leaves the
// connection in error state with lastError set; it is not an error return.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (domain.IntegrationConnection, error) {
	if err := fault.Validate(req); err != nil {
		return domain.IntegrationConnection{}, err
	}
	vendor, err := s.Catalog.Lookup(req.Vendor)
	if err != nil {
		return domain.IntegrationConnection{}, err
	}
	if !adapter.Supports(vendor, req.IntegrationType) {
		return domain.IntegrationConnection{}, fault.ValidationError{Field: "integration_type", Reason: fmt.Sprintf("%s does not provide %s", req.Vendor, req.IntegrationType)}
	}
	creds := vault.Credentials{Type: req.Credentials.Type, Data: req.Credentials.Data}
	blob, err := s.Vault.Encrypt(creds)
	if err != nil {
		return domain.IntegrationConnection{}, err
	}
	ts := timestamp(s.now())
	conn := domain.IntegrationConnection{
		ID:              uuid.NewString(),
		OrganizationID:  req.OrganizationID,
		Name:            req.Name,
		Vendor:          req.Vendor,
		IntegrationType: req.IntegrationType,
		Status:          domain.ConnectionPending,
		CredentialBlob:  blob,
		Config:          req.Config,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := s.Repo.InsertConnection(ctx, conn); err != nil {
		return domain.IntegrationConnection{}, err
	}

	probeErr := s.probe(ctx, conn)
	status, lastErr := domain.ConnectionActive, ""
	if probeErr != nil {
		status, lastErr = domain.ConnectionError, probeErr.Error()
	}
	tested := timestamp(s.now())
	if err := s.Repo.UpdateConnection(context.WithoutCancel(ctx), conn.ID, repo.ConnectionUpdate{
		Status: &status, LastError: &lastErr, LastTestedAt: &tested, UpdatedAt: tested,
	}); err != nil {
		return domain.IntegrationConnection{}, err
	}
	s.log().Info("integration connected",
		zap.String("connection_id", conn.ID),
		zap.String("vendor", conn.Vendor),
		zap.String("status", status),
		zap.String("error_kind", fault.Kind(probeErr)))
	return s.Get(context.WithoutCancel(ctx), conn.ID)
}

// TestConnection re-runs the probe. It records when the test ran but never
// changes the connection status.
func (s *Service) TestConnection(ctx context.Context, id string) (TestResult, error) {
	conn, err := s.Repo.GetConnection(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	probeErr := s.probe(ctx, conn)
	tested := timestamp(s.now())
	if err := s.Repo.UpdateConnection(context.WithoutCancel(ctx), id, repo.ConnectionUpdate{LastTestedAt: &tested}); err != nil {
		return TestResult{}, err
	}
	var ie fault.IntegrityError
	if errors.As(probeErr, &ie) {
		return TestResult{}, probeErr
	}
	res := TestResult{OK: probeErr == nil, TestedAt: tested}
	if probeErr != nil {
		res.Error, res.ErrorKind = probeErr.Error(), fault.Kind(probeErr)
	}
	return res, nil
}

// Disconnect marks the connection inactive. Repeating it is a no-op.
func (s *Service) Disconnect(ctx context.Context, id string) (domain.IntegrationConnection, error) {
	conn, err := s.Repo.GetConnection(ctx, id)
	if err != nil {
		return domain.IntegrationConnection{}, err
	}
	if conn.Status == domain.ConnectionInactive {
		return conn, nil
	}
	status := domain.ConnectionInactive
	if err := s.Repo.UpdateConnection(ctx, id, repo.ConnectionUpdate{Status: &status, UpdatedAt: timestamp(s.now())}); err != nil {
		return domain.IntegrationConnection{}, err
	}
	s.dropLimiter(id)
	s.log().Info("integration disconnected", zap.String("connection_id", id))
	return s.Get(ctx, id)
}

// Health summarises stored state without calling the vendor.
func (s *Service) Health(ctx context.Context, id string) (HealthReport, error) {
	conn, err := s.Repo.GetConnection(ctx, id)
	if err != nil {
		return HealthReport{}, err
	}
	rep := HealthReport{Status: conn.Status, LastSync: conn.LastTestedAt}
	switch conn.Status {
	case domain.ConnectionActive:
		rep.Healthy = true
		rep.Message = "connection is active"
	case domain.ConnectionPending:
		rep.Message = "connection has not been verified"
	case domain.ConnectionError:
		rep.Message = conn.LastError
	case domain.ConnectionInactive:
		rep.Message = "connection was disconnected"
	}
	return rep, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.IntegrationConnection, error) {
	return s.Repo.GetConnection(ctx, id)
}

func (s *Service) List(ctx context.Context, orgID string) ([]domain.IntegrationConnection, error) {
	return s.Repo.ListConnections(ctx, orgID)
}

// CheckBlobs decrypts every stored credential blob and returns the ids of
// connections whose blob no longer authenticates under the current key.
func (s *Service) CheckBlobs(ctx context.Context) (map[string]error, error) {
	conns, err := s.Repo.ListConnections(ctx, "")
	if err != nil {
		return nil, err
	}
	bad := map[string]error{}
	for _, c := range conns {
		creds, err := s.Vault.Decrypt(c.CredentialBlob)
		if err != nil {
			bad[c.ID] = err
			continue
		}
		creds.Wipe()
	}
	return bad, nil
}

func (s *Service) probe(ctx context.Context, conn domain.IntegrationConnection) error {
	return s.invoke(ctx, conn, adapter.OpProbe, s.probeTimeout(), func(ctx context.Context, v adapter.Vendor, sess adapter.Session) error {
		return v.Probe(ctx, sess)
	})
}
