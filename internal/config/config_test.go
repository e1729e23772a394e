package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite default driver, got %q", cfg.Storage.Driver)
	}
	if cfg.LLM.Retry.InitialDelay != 2*time.Second {
		t.Errorf("expected 2s initial retry delay, got %v", cfg.LLM.Retry.InitialDelay)
	}
	if cfg.LLM.Breaker.FailureThreshold != 5 {
		t.Errorf("expected breaker threshold 5, got %d", cfg.LLM.Breaker.FailureThreshold)
	}
	if cfg.Agents.Mode != "multi" {
		t.Errorf("expected multi-agent mode by default, got %q", cfg.Agents.Mode)
	}
}

func TestLoad_FileOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_DB", "postgres://app@db/relay")

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
server:
  port: 9090
storage:
  driver: postgres
  url: ${RELAY_TEST_DB}
llm:
  provider: openai
  model: gpt-4o-mini
agents:
  mode: single
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port override lost: %d", cfg.Server.Port)
	}
	if cfg.Storage.URL != "postgres://app@db/relay" {
		t.Errorf("env expansion failed: %q", cfg.Storage.URL)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model override lost: %q", cfg.LLM.Model)
	}
	if cfg.Agents.Mode != "single" {
		t.Errorf("mode override lost: %q", cfg.Agents.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.Session.HistoryLimit != 100 {
		t.Errorf("expected default history limit, got %d", cfg.Session.HistoryLimit)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "oracle" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.URL = "" }},
		{"bad provider", func(c *Config) { c.LLM.Provider = "cohere" }},
		{"bad mode", func(c *Config) { c.Agents.Mode = "dual" }},
		{"auth without jwks", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWKSURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_FillsDerivedDefaults(t *testing.T) {
	cfg := Default()
	cfg.LLM.Retry.MaxAttempts = 0
	cfg.Session.HistoryLimit = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LLM.Retry.MaxAttempts != 3 {
		t.Errorf("retry attempts not defaulted: %d", cfg.LLM.Retry.MaxAttempts)
	}
	if cfg.Session.HistoryLimit != 100 {
		t.Errorf("history limit not defaulted: %d", cfg.Session.HistoryLimit)
	}
}
