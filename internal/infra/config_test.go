package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
agent:
  id: cloud
store:
  backend: sqlite
  path: /tmp/vault.db
approval:
  amount_threshold: 250
executors:
  webhooks:
    send_email: http://mail.local/send
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.ID != "cloud" || cfg.Store.Backend != "sqlite" {
		t.Errorf("agent/store = %+v %+v", cfg.Agent, cfg.Store)
	}
	if cfg.Approval.AmountThreshold != 250 {
		t.Errorf("threshold = %v", cfg.Approval.AmountThreshold)
	}
	if cfg.Engine.MaxAttempts != 7 {
		t.Errorf("env override lost: max_attempts = %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.ClaimTimeout != 10*time.Minute || cfg.Approval.TTL != 24*time.Hour {
		t.Errorf("defaults lost: %v %v", cfg.Engine.ClaimTimeout, cfg.Approval.TTL)
	}
	if cfg.Executors.Webhooks["send_email"] != "http://mail.local/send" {
		t.Errorf("webhooks = %v", cfg.Executors.Webhooks)
	}
	if len(cfg.Approval.Irreversible) != 5 {
		t.Errorf("irreversible = %v", cfg.Approval.Irreversible)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Agent:    AgentConfig{ID: "local"},
			Store:    StoreConfig{Backend: "fs"},
			Engine:   EngineConfig{HandlerTimeout: 2 * time.Minute, ClaimTimeout: 10 * time.Minute},
			Recovery: RecoveryConfig{Backoff: 2},
		}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no agent id", func(c *Config) { c.Agent.ID = "" }, false},
		{"agent id with slash", func(c *Config) { c.Agent.ID = "a/b" }, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "s3" }, false},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }, false},
		{"sync to itself", func(c *Config) { c.Sync = SyncConfig{Enabled: true, Remote: "fs"} }, false},
		{"claim timeout below handler timeout", func(c *Config) { c.Engine.ClaimTimeout = time.Minute }, false},
		{"claim timeout equal to handler timeout", func(c *Config) { c.Engine.ClaimTimeout = c.Engine.HandlerTimeout }, false},
		{"shrinking backoff", func(c *Config) { c.Recovery.Backoff = 0.5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Fatal("expected bad level error")
	}
}
