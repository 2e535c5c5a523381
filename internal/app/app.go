// Package app builds the service graph shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rallypoint/internal/adapter"
	"rallypoint/internal/adapter/gcal"
	"rallypoint/internal/adapter/github"
	"rallypoint/internal/adapter/jira"
	"rallypoint/internal/adapter/simulated"
	"rallypoint/internal/adapter/slack"
	"rallypoint/internal/config"
	"rallypoint/internal/db"
	"rallypoint/internal/integration"
	"rallypoint/internal/logging"
	"rallypoint/internal/metrics"
	"rallypoint/internal/migrate"
	"rallypoint/internal/orchestrator"
	"rallypoint/internal/plan"
	"rallypoint/internal/readiness"
	"rallypoint/internal/repo"
	"rallypoint/internal/status"
	"rallypoint/internal/vault"
	"rallypoint/internal/webhook"
)

// VaultKeyEnv names the environment variable holding the base64 vault key.
const VaultKeyEnv = "RALLYPOINT_VAULT_KEY"

type Options struct {
	Workspace string
	// Config overrides the workspace rallypoint.yml when set.
	Config *config.Config
	// VaultKey is the base64 key; empty falls back to VaultKeyEnv.
	VaultKey string
	Logger   *zap.Logger
	Now      func() time.Time
	// Vendors are registered after the built-in catalog and replace entries
	// with the same name.
	Vendors []adapter.Vendor
}

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *sql.DB
	Repo         repo.Repo
	Vault        *vault.Vault
	Catalog      *adapter.Catalog
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Integrations *integration.Service
	Plans        plan.Service
	Readiness    readiness.Assessor
	Orchestrator *orchestrator.Orchestrator
	Status       status.Service
	Webhooks     *webhook.Dispatcher
}

// Build opens the workspace and wires every service. A missing or malformed
// vault key is an error: nothing runs without it.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	key := opts.VaultKey
	if key == "" {
		key = os.Getenv(VaultKeyEnv)
	}
	v, err := vault.FromBase64(key)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, err
		}
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = cfg.Storage.Workspace
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", zap.Int("count", applied), zap.String("db", db.Path(workspace)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	catalog := adapter.NewCatalog(slack.New(), jira.New(), github.New(), gcal.New())
	if cfg.Vendors.DemoMode {
		catalog.Register(simulated.New())
		logger.Warn("demo mode: simulated vendor is available")
	}
	for _, vendor := range opts.Vendors {
		catalog.Register(vendor)
	}

	r := repo.Repo{DB: conn}
	integrations := &integration.Service{
		Repo:          r,
		Vault:         v,
		Catalog:       catalog,
		Logger:        logger.Named("integration"),
		Metrics:       m,
		BaseURLs:      cfg.Vendors.BaseURLs,
		Now:           opts.Now,
		ProbeTimeout:  cfg.Activation.ProbeTimeout,
		VendorTimeout: cfg.Activation.VendorTimeout,
		RateLimit:     rate.Limit(cfg.Vendors.RateLimit),
		Burst:         cfg.Vendors.Burst,
	}
	assessor := readiness.Assessor{
		Repo: r,
		Policy: readiness.Policy{
			Penalties:       cfg.Readiness.Penalties,
			CategoryWeights: cfg.Readiness.CategoryWeights,
		},
		Logger:  logger.Named("readiness"),
		Metrics: m,
		Now:     opts.Now,
	}
	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           conn,
		Repo:         r,
		Vault:        v,
		Catalog:      catalog,
		Registry:     reg,
		Metrics:      m,
		Integrations: integrations,
		Plans:        plan.Service{Repo: r, Logger: logger.Named("plan"), Now: opts.Now},
		Readiness:    assessor,
		Orchestrator: &orchestrator.Orchestrator{
			Repo:              r,
			Readiness:         assessor,
			Integrations:      integrations,
			Logger:            logger.Named("orchestrator"),
			Metrics:           m,
			Now:               opts.Now,
			Window:            cfg.Activation.Window,
			NotifyConcurrency: cfg.Activation.NotifyConcurrency,
		},
		Status:   status.Service{Repo: r, Logger: logger.Named("status"), Now: opts.Now},
		Webhooks: &webhook.Dispatcher{Repo: r, Hooks: cfg.Webhooks, Logger: logger.Named("webhook")},
	}, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
