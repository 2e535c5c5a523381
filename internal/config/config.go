package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rallypoint.yml. Secrets (vault key, JWT secret) are never read
// from this file; they come from the environment or flags.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Activation Activation `yaml:"activation"`
	Readiness  Readiness  `yaml:"readiness"`
	Vendors    Vendors    `yaml:"vendors"`
	Webhooks   []Webhook  `yaml:"webhooks"`
	Logging    struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type Activation struct {
	Window            time.Duration `yaml:"window"`
	VendorTimeout     time.Duration `yaml:"vendor_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	NotifyConcurrency int           `yaml:"notify_concurrency"`
}

type Readiness struct {
	Penalties       map[string]float64 `yaml:"penalties"`
	CategoryWeights map[string]float64 `yaml:"category_weights"`
}

type Vendors struct {
	DemoMode  bool              `yaml:"demo_mode"`
	RateLimit float64           `yaml:"rate_limit"`
	Burst     int               `yaml:"burst"`
	BaseURLs  map[string]string `yaml:"base_urls"`
}

// Webhook receives execution events as they are written. Events filters by
// event type; empty means all.
type Webhook struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

var (
	severities = []string{"info", "warning", "critical", "blocking"}
	categories = []string{"resource", "compliance", "timing", "dependencies"}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Activation.Window <= 0 {
		return fmt.Errorf("config.activation.window must be positive")
	}
	if c.Activation.VendorTimeout <= 0 {
		return fmt.Errorf("config.activation.vendor_timeout must be positive")
	}
	if c.Activation.ProbeTimeout <= 0 {
		return fmt.Errorf("config.activation.probe_timeout must be positive")
	}
	if c.Activation.NotifyConcurrency < 1 {
		return fmt.Errorf("config.activation.notify_concurrency must be at least 1")
	}
	for _, s := range severities {
		p, ok := c.Readiness.Penalties[s]
		if !ok {
			return fmt.Errorf("config.readiness.penalties.%s is required", s)
		}
		if p < 0 {
			return fmt.Errorf("config.readiness.penalties.%s must not be negative", s)
		}
	}
	for name := range c.Readiness.Penalties {
		if !contains(severities, name) {
			return fmt.Errorf("config.readiness.penalties has unknown severity %s", name)
		}
	}
	for name, w := range c.Readiness.CategoryWeights {
		if !contains(categories, name) {
			return fmt.Errorf("config.readiness.category_weights has unknown category %s", name)
		}
		if w <= 0 {
			return fmt.Errorf("config.readiness.category_weights.%s must be positive", name)
		}
	}
	if c.Vendors.RateLimit < 0 || c.Vendors.Burst < 0 {
		return fmt.Errorf("config.vendors rate_limit and burst must not be negative")
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if h.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rallypoint.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML bytes on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

storage:
  workspace: .

activation:
  window: 12m
  vendor_timeout: 15s
  probe_timeout: 10s
  notify_concurrency: 8

readiness:
  penalties:
    info: 0
    warning: 5
    critical: 15
    blocking: 30
  category_weights:
    resource: 1.0
    compliance: 1.0
    timing: 1.0
    dependencies: 1.0

vendors:
  demo_mode: false
  rate_limit: 5
  burst: 10
  base_urls: {}

webhooks: []

logging:
  level: info
  format: json
`
