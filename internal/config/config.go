package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the loader
type Config struct {
	API       APIConfig       `yaml:"api"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Load      LoadConfig      `yaml:"load"`
	State     StateConfig     `yaml:"state"`
	Slack     SlackConfig     `yaml:"slack"`
}

// APIConfig holds CRM REST API settings
type APIConfig struct {
	BaseURL             string `yaml:"base_url"`
	AccessToken         string `yaml:"access_token"`
	TimeoutSecs         int    `yaml:"timeout_secs"`           // Per-request timeout (default: 30)
	MaxRetryElapsedSecs int    `yaml:"max_retry_elapsed_secs"` // Total retry budget per request (default: 120)
}

// WarehouseConfig holds warehouse database connection settings
type WarehouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`      // default: 5432
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`  // disable, require, verify-ca, verify-full (default: require)
	Schema   string `yaml:"schema"`    // default: public
	MaxConns int    `yaml:"max_conns"` // Connection pool size (default: 8)
}

// LoadConfig holds load behavior settings
type LoadConfig struct {
	PageSize        int  `yaml:"page_size"`         // API page size (default: 50)
	RetryCeiling    int  `yaml:"retry_ceiling"`     // Reprocess attempts before an error goes permanent (default: 5)
	SkipParentFetch bool `yaml:"skip_parent_fetch"` // Don't fetch absent parent records by ID during reprocessing
}

// StateConfig holds local state storage settings
type StateConfig struct {
	Dir           string `yaml:"dir"`            // State directory (default: ~/.crm-pg-loader)
	RetentionDays int    `yaml:"retention_days"` // Prune completed runs older than this (default: 30)
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".crm-pg-loader")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	// API defaults
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.TimeoutSecs == 0 {
		c.API.TimeoutSecs = 30
	}
	if c.API.MaxRetryElapsedSecs == 0 {
		c.API.MaxRetryElapsedSecs = 120
	}

	// Warehouse defaults
	if c.Warehouse.Port == 0 {
		c.Warehouse.Port = 5432
	}
	if c.Warehouse.Schema == "" {
		c.Warehouse.Schema = "public"
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "require" // Secure default
	}
	if c.Warehouse.MaxConns == 0 {
		c.Warehouse.MaxConns = 8
	}

	// Load defaults
	if c.Load.PageSize == 0 {
		c.Load.PageSize = 50
	}
	if c.Load.RetryCeiling == 0 {
		c.Load.RetryCeiling = 5
	}

	// State defaults
	if c.State.Dir == "" {
		home, _ := os.UserHomeDir()
		c.State.Dir = filepath.Join(home, ".crm-pg-loader")
	} else {
		c.State.Dir = expandTilde(c.State.Dir)
	}
	if c.State.RetentionDays == 0 {
		c.State.RetentionDays = 30
	}
}

func (c *Config) validate() error {
	// Validate API
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL, got '%s'", c.API.BaseURL)
	}
	if c.API.AccessToken == "" {
		return fmt.Errorf("api.access_token is required")
	}

	// Validate warehouse
	if c.Warehouse.Host == "" {
		return fmt.Errorf("warehouse.host is required")
	}
	if c.Warehouse.Database == "" {
		return fmt.Errorf("warehouse.database is required")
	}
	switch c.Warehouse.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("warehouse.ssl_mode must be one of disable, allow, prefer, require, verify-ca, verify-full, got '%s'", c.Warehouse.SSLMode)
	}

	// Validate load settings
	if c.Load.PageSize < 1 || c.Load.PageSize > 1000 {
		return fmt.Errorf("load.page_size must be between 1 and 1000, got %d", c.Load.PageSize)
	}
	if c.Load.RetryCeiling < 1 {
		return fmt.Errorf("load.retry_ceiling must be at least 1, got %d", c.Load.RetryCeiling)
	}
	return nil
}

// WarehouseDSN returns the warehouse connection string
func (c *Config) WarehouseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Warehouse.User), url.QueryEscape(c.Warehouse.Password),
		c.Warehouse.Host, c.Warehouse.Port,
		url.PathEscape(c.Warehouse.Database), c.Warehouse.SSLMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	// Redact API credentials
	sanitized.API.AccessToken = "[REDACTED]"

	// Redact warehouse credentials
	sanitized.Warehouse.Password = "[REDACTED]"

	// Redact Slack webhook
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
