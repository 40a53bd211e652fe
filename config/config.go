package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Version  string      `yaml:"version"`
	Region   string      `yaml:"region"`
	DataDir  string      `yaml:"data_dir"`
	Scanning Scanning    `yaml:"scanning"`
	Triage   Triage      `yaml:"triage"`
	Remedy   Remediation `yaml:"remediation"`
	Verify   Verify      `yaml:"verify"`
	Suggest  Suggest     `yaml:"suggest"`
	API      API         `yaml:"api"`
}

// Scanning configures scan cycles and the scanner adapters
type Scanning struct {
	Interval       time.Duration `yaml:"interval"`
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
	Workers        int           `yaml:"workers"`
	// AbsenceCycles is how many consecutive cycles a finding may go
	// unrediscovered before it is resolved by absence. 0 disables.
	AbsenceCycles int               `yaml:"absence_cycles"`
	SeverityMap   map[string]string `yaml:"severity_map,omitempty"`
	Endpoints     map[string]string `yaml:"endpoints,omitempty"`
	TemplateRoots []string          `yaml:"template_roots,omitempty"`
}

// Triage configures routing policy
type Triage struct {
	// AlwaysApprove is the severity at or above which an auto-approve
	// runbook still requires a human.
	AlwaysApprove types.Severity    `yaml:"always_approve"`
	ProtectedTags map[string]string `yaml:"protected_tags,omitempty"`
	Environment   string            `yaml:"environment"`
	PolicyDir     string            `yaml:"policy_dir,omitempty"`
}

// Remediation configures the remediation engine
type Remediation struct {
	CatalogPath string        `yaml:"catalog_path"`
	LockMaxWait time.Duration `yaml:"lock_max_wait"`
	AdminCIDR   string        `yaml:"admin_cidr"`
}

// Verify configures post-remediation verification
type Verify struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// Suggest configures the suggestion provider
type Suggest struct {
	Provider string        `yaml:"provider"` // "gemini" or "" (disabled)
	Model    string        `yaml:"model,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// API configures the control surface
type API struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads configuration from file, applies defaults, and validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config usable without a file
func Default() *Config {
	cfg := &Config{Version: "1", Region: "us-east-1"}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with operational defaults
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Scanning.Interval == 0 {
		c.Scanning.Interval = time.Minute
	}
	if c.Scanning.AdapterTimeout == 0 {
		c.Scanning.AdapterTimeout = 30 * time.Second
	}
	if c.Scanning.Workers == 0 {
		c.Scanning.Workers = 4
	}
	if c.Triage.AlwaysApprove == "" {
		c.Triage.AlwaysApprove = types.SeverityHigh
	}
	if c.Remedy.LockMaxWait == 0 {
		c.Remedy.LockMaxWait = 30 * time.Second
	}
	if c.Remedy.AdminCIDR == "" {
		c.Remedy.AdminCIDR = "192.168.0.0/16"
	}
	if c.Verify.SettleDelay == 0 {
		c.Verify.SettleDelay = 10 * time.Second
	}
	if c.Verify.MaxRetries == 0 {
		c.Verify.MaxRetries = 3
	}
	if c.Verify.BackoffBase == 0 {
		c.Verify.BackoffBase = 2 * time.Second
	}
	if c.Suggest.Timeout == 0 {
		c.Suggest.Timeout = 20 * time.Second
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.MetricsAddr == "" {
		c.API.MetricsAddr = ":2112"
	}
}

// Validate ensures config has required fields
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Triage.AlwaysApprove.Rank() == 0 {
		return fmt.Errorf("triage.always_approve %q is not a canonical severity", c.Triage.AlwaysApprove)
	}
	if c.Scanning.Interval < time.Second {
		return fmt.Errorf("scanning.interval must be at least 1s")
	}
	for raw, canonical := range c.Scanning.SeverityMap {
		if types.Severity(canonical).Rank() == 0 {
			return fmt.Errorf("severity_map[%s] = %q is not a canonical severity", raw, canonical)
		}
	}
	return nil
}
