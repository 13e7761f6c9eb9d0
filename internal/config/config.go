// ABOUTME: Configuration loading and parsing for coven-inbox
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by DefaultPath and Load.
const (
	EnvConfigPath = "COVEN_INBOX_CONFIG"
	EnvDBPath     = "COVEN_INBOX_DB_PATH"
)

// Config represents the complete coven-inbox configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Webhook  WebhookConfig  `yaml:"webhook" toml:"webhook"`
	Channel  ChannelConfig  `yaml:"channel" toml:"channel"`
	AI       AIConfig       `yaml:"ai" toml:"ai"`
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Dedupe   DedupeConfig   `yaml:"dedupe" toml:"dedupe"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// WebhookConfig holds the inbound provider webhook settings
type WebhookConfig struct {
	Path        string `yaml:"path" toml:"path"`
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	AppSecret   string `yaml:"app_secret" toml:"app_secret"` // empty disables signature checks
}

// ChannelConfig holds the outbound messaging channel settings
type ChannelConfig struct {
	Provider      string `yaml:"provider" toml:"provider"` // "whatsapp" or "log"
	BaseURL       string `yaml:"base_url" toml:"base_url"`
	APIVersion    string `yaml:"api_version" toml:"api_version"`
	PhoneNumberID string `yaml:"phone_number_id" toml:"phone_number_id"`
	AccessToken   string `yaml:"access_token" toml:"access_token"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// AIConfig holds the oracle and AI worker settings
type AIConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Provider string `yaml:"provider" toml:"provider"` // "http" or "gemini"
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"api_key" toml:"api_key"`
	Model    string `yaml:"model" toml:"model"`

	ConfidenceFloor *float64 `yaml:"confidence_floor" toml:"confidence_floor"` // unset means 0.7; 0 executes every action
	RateLimit       float64 `yaml:"rate_limit" toml:"rate_limit"` // calls per second, 0 = unlimited
	RateBurst       int     `yaml:"rate_burst" toml:"rate_burst"`
	Workers         int     `yaml:"workers" toml:"workers"`
	QueueSize       int     `yaml:"queue_size" toml:"queue_size"`
	FallbackReply   string  `yaml:"fallback_reply" toml:"fallback_reply"`
	HistoryLimit    int     `yaml:"history_limit" toml:"history_limit"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// PipelineConfig holds storage retry budgets and conversation scoping
type PipelineConfig struct {
	StoreRetryAttempts int `yaml:"store_retry_attempts" toml:"store_retry_attempts"`
	AsyncRetryAttempts *int `yaml:"async_retry_attempts" toml:"async_retry_attempts"` // unset means 3; 0 disables

	// TenantID restricts inbound lookups to one tenant; empty spans all tenants.
	TenantID           string `yaml:"tenant_id" toml:"tenant_id"`
	DefaultTenantID    string `yaml:"default_tenant_id" toml:"default_tenant_id"`
	DefaultOwnerUserID string `yaml:"default_owner_user_id" toml:"default_owner_user_id"`
	DefaultAIEnabled   bool   `yaml:"default_ai_enabled" toml:"default_ai_enabled"`

	// Timezone interprets action times written without an offset.
	Timezone string         `yaml:"timezone" toml:"timezone"`
	Location *time.Location `yaml:"-" toml:"-"`

	StoreRetryBackoff    time.Duration `yaml:"-" toml:"-"`
	AsyncRetryDelay      time.Duration `yaml:"-" toml:"-"`
	StoreRetryBackoffRaw string        `yaml:"store_retry_backoff" toml:"store_retry_backoff"`
	AsyncRetryDelayRaw   string        `yaml:"async_retry_delay" toml:"async_retry_delay"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DedupeConfig sizes the realtime publish dedupe cache
type DedupeConfig struct {
	MaxSize int `yaml:"max_size" toml:"max_size"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// DefaultPath returns the config path from COVEN_INBOX_CONFIG, falling back
// to $XDG_CONFIG_HOME/coven/inbox.yaml (or ~/.config/coven/inbox.yaml).
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "coven", "inbox.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "inbox.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.HTTPAddr, ":8080")
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	setDefault(&c.Database.Driver, "sqlite")
	setDefault(&c.Database.Path, "coven-inbox.db")

	setDefault(&c.Webhook.Path, "/webhooks/whatsapp")

	setDefault(&c.Channel.Provider, "log")
	if c.Channel.Timeout <= 0 {
		c.Channel.Timeout = 15 * time.Second
	}

	setDefault(&c.AI.Provider, "http")
	if c.AI.ConfidenceFloor == nil {
		floor := 0.7
		c.AI.ConfidenceFloor = &floor
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 30 * time.Second
	}
	if c.AI.Workers <= 0 {
		c.AI.Workers = 4
	}
	if c.AI.QueueSize <= 0 {
		c.AI.QueueSize = 256
	}
	if c.AI.HistoryLimit <= 0 {
		c.AI.HistoryLimit = 20
	}

	if c.Pipeline.StoreRetryAttempts <= 0 {
		c.Pipeline.StoreRetryAttempts = 3
	}
	if c.Pipeline.StoreRetryBackoff <= 0 {
		c.Pipeline.StoreRetryBackoff = 100 * time.Millisecond
	}
	if c.Pipeline.AsyncRetryAttempts == nil {
		attempts := 3
		c.Pipeline.AsyncRetryAttempts = &attempts
	}
	if c.Pipeline.AsyncRetryDelay <= 0 {
		c.Pipeline.AsyncRetryDelay = 5 * time.Second
	}
	setDefault(&c.Pipeline.Timezone, "UTC")

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")

	setDefault(&c.Metrics.Path, "/metrics")

	if c.Dedupe.TTL <= 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxSize <= 0 {
		c.Dedupe.MaxSize = 10000
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /")
	}
	if c.Webhook.VerifyToken == "" {
		return fmt.Errorf("webhook.verify_token is required")
	}

	switch c.Channel.Provider {
	case "log":
	case "whatsapp":
		if c.Channel.PhoneNumberID == "" || c.Channel.AccessToken == "" {
			return fmt.Errorf("channel.phone_number_id and channel.access_token are required for the whatsapp provider")
		}
	default:
		return fmt.Errorf("channel.provider must be whatsapp or log, got %q", c.Channel.Provider)
	}

	if c.AI.Enabled {
		switch c.AI.Provider {
		case "http":
			if c.AI.Endpoint == "" {
				return fmt.Errorf("ai.endpoint is required for the http provider")
			}
		case "gemini":
			if c.AI.APIKey == "" {
				return fmt.Errorf("ai.api_key is required for the gemini provider")
			}
		default:
			return fmt.Errorf("ai.provider must be http or gemini, got %q", c.AI.Provider)
		}
	}
	if floor := *c.AI.ConfidenceFloor; floor < 0 || floor > 1 {
		return fmt.Errorf("ai.confidence_floor must be between 0 and 1")
	}
	if c.AI.RateLimit < 0 {
		return fmt.Errorf("ai.rate_limit must not be negative")
	}

	if c.Pipeline.DefaultTenantID == "" && c.Pipeline.TenantID == "" {
		return fmt.Errorf("pipeline.default_tenant_id is required when pipeline.tenant_id is unset")
	}
	// Actions on conversations opened by unknown contacts are assigned here.
	if c.AI.Enabled && c.Pipeline.DefaultOwnerUserID == "" {
		return fmt.Errorf("pipeline.default_owner_user_id is required when ai.enabled is set")
	}
	if *c.Pipeline.AsyncRetryAttempts < 0 {
		return fmt.Errorf("pipeline.async_retry_attempts must not be negative")
	}
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	c.Pipeline.Location = loc

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"channel.timeout", cfg.Channel.TimeoutRaw, &cfg.Channel.Timeout},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
		{"pipeline.store_retry_backoff", cfg.Pipeline.StoreRetryBackoffRaw, &cfg.Pipeline.StoreRetryBackoff},
		{"pipeline.async_retry_delay", cfg.Pipeline.AsyncRetryDelayRaw, &cfg.Pipeline.AsyncRetryDelay},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
