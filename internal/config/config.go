// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Relay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	HITL          HITLConfig          `yaml:"hitl"`
	Agents        AgentsConfig        `yaml:"agents"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is one of "postgres", "sqlite", "memory".
	Driver string `yaml:"driver"`

	// URL is the Postgres DSN or the SQLite file path.
	URL string `yaml:"url"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig configures boundary authentication.
type AuthConfig struct {
	// Enabled toggles bearer-JWT validation. Disabled is only suitable for
	// local development.
	Enabled bool `yaml:"enabled"`

	// JWKSURL is the authorisation server's key-set endpoint.
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// JWKSRefresh is the cache refresh interval for the JWKS document.
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`

	// ServiceSecret signs HS256 tokens carried on internal cross-service
	// calls and validates the shared-secret header.
	ServiceSecret string `yaml:"service_secret"`
}

// LLMConfig configures the outbound LLM client.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible proxy) or "anthropic".
	Provider string `yaml:"provider"`

	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// OAuth optionally replaces the static API key with a client-credentials
	// token source for the proxy.
	OAuth OAuthClientConfig `yaml:"oauth"`

	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// OAuthClientConfig configures the client-credentials grant for outbound calls.
type OAuthClientConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// RetryConfig configures transient-failure retries for LLM requests.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// BreakerConfig configures the LLM circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	// LockTimeout bounds lock acquisition for admin operations. Stream
	// handlers wait indefinitely (bounded by the request context).
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// IdleTTL is how long a session may be inactive before the hourly
	// sweep soft-deletes it.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// PurgeAfter is how long soft-deleted sessions are retained.
	PurgeAfter time.Duration `yaml:"purge_after"`

	// HistoryLimit caps the number of messages loaded into an LLM prompt.
	HistoryLimit int `yaml:"history_limit"`
}

// HITLConfig configures human-in-the-loop approvals.
type HITLConfig struct {
	// ReclaimAfter is the age at which unresolved approvals are swept.
	ReclaimAfter time.Duration `yaml:"reclaim_after"`
}

// AgentsConfig selects the agent deployment mode.
type AgentsConfig struct {
	// Mode is "multi" (Orchestrator + four specialists) or "single"
	// (Orchestrator + Universal).
	Mode string `yaml:"mode"`
}

// RateLimitConfig configures the per-client request quota.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing export.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			URL:             "relay.db",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled:     false,
			JWKSRefresh: time.Hour,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o",
			Temperature:   0.7,
			MaxTokens:     4096,
			ChunkTimeout:  30 * time.Second,
			StreamTimeout: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 2 * time.Second,
				MaxDelay:     10 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
		},
		Session: SessionConfig{
			LockTimeout:  5 * time.Second,
			IdleTTL:      24 * time.Hour,
			PurgeAfter:   30 * 24 * time.Hour,
			HistoryLimit: 100,
		},
		HITL: HITLConfig{
			ReclaimAfter: 24 * time.Hour,
		},
		Agents: AgentsConfig{
			Mode: "multi",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "relay",
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, applies it on
// top of the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres, sqlite, or memory, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.URL) == "" {
		return fmt.Errorf("storage.url is required for the postgres driver")
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}

	switch c.Agents.Mode {
	case "multi", "single":
	default:
		return fmt.Errorf("agents.mode must be multi or single, got %q", c.Agents.Mode)
	}

	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWKSURL) == "" {
		return fmt.Errorf("auth.jwks_url is required when auth is enabled")
	}

	if c.LLM.Retry.MaxAttempts <= 0 {
		c.LLM.Retry.MaxAttempts = 3
	}
	if c.LLM.Breaker.FailureThreshold <= 0 {
		c.LLM.Breaker.FailureThreshold = 5
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 100
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	return nil
}
