// Package config provides configuration tests for the agent bridge.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Server.RESTAddr == "" {
		t.Error("RESTAddr should not be empty")
	}
	if cfg.Reconcile.IntervalMs != 500 {
		t.Errorf("IntervalMs should default to 500, got %d", cfg.Reconcile.IntervalMs)
	}
	if cfg.Webhook.Verify != "enforce" {
		t.Errorf("Webhook.Verify should default to 'enforce', got %s", cfg.Webhook.Verify)
	}
	if cfg.Connector.MaxConcurrentPerConversation != 1 {
		t.Errorf("MaxConcurrentPerConversation should default to 1, got %d", cfg.Connector.MaxConcurrentPerConversation)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level should default to 'info', got %s", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tmpDir := t.TempDir()

	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Matrix.HomeserverURL = "https://matrix.example.com"
		cfg.Matrix.ServerName = "example.com"
		cfg.Matrix.AdminLocalpart = "agentbridge_admin"
		cfg.Webhook.Secret = "test-secret"
		cfg.Store.DBPath = filepath.Join(tmpDir, "state.db")
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("well-formed config failed validation: %v", err)
	}

	t.Run("missing homeserver url", func(t *testing.T) {
		cfg := valid()
		cfg.Matrix.HomeserverURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for empty homeserver_url")
		}
	})

	t.Run("missing server name", func(t *testing.T) {
		cfg := valid()
		cfg.Matrix.ServerName = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for empty server_name")
		}
	})

	t.Run("webhook enforce without secret", func(t *testing.T) {
		cfg := valid()
		cfg.Webhook.Verify = "enforce"
		cfg.Webhook.Secret = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for enforce without a secret")
		}
	})

	t.Run("invalid webhook verify mode", func(t *testing.T) {
		cfg := valid()
		cfg.Webhook.Verify = "sometimes"
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for unrecognized webhook.verify")
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Level = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for invalid log level")
		}
	})

	t.Run("zero reconcile interval", func(t *testing.T) {
		cfg := valid()
		cfg.Reconcile.IntervalMs = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for zero reconcile interval")
		}
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matrix.SyncTimeoutMs = 2000
	cfg.Reconcile.IntervalMs = 250
	cfg.Connector.InflightTTLSeconds = 120
	cfg.Webhook.ReplayWindowSeconds = 300
	cfg.Peer.RegistrationTTLSeconds = 60

	if got, want := cfg.SyncTimeout().Milliseconds(), int64(2000); got != want {
		t.Errorf("SyncTimeout() = %dms, want %dms", got, want)
	}
	if got, want := cfg.ReconcileInterval().Milliseconds(), int64(250); got != want {
		t.Errorf("ReconcileInterval() = %dms, want %dms", got, want)
	}
	if got, want := cfg.InflightTTL().Seconds(), 120.0; got != want {
		t.Errorf("InflightTTL() = %vs, want %vs", got, want)
	}
	if got, want := cfg.WebhookReplayWindow().Seconds(), 300.0; got != want {
		t.Errorf("WebhookReplayWindow() = %vs, want %vs", got, want)
	}
	if got, want := cfg.PeerRegistrationTTL().Seconds(), 60.0; got != want {
		t.Errorf("PeerRegistrationTTL() = %vs, want %vs", got, want)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("AGENTBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("AGENTBRIDGE_HOMESERVER_URL", "https://env.example.com")
	t.Setenv("AGENTBRIDGE_SERVER_NAME", "env.example.com")
	t.Setenv("AGENTBRIDGE_ADMIN_LOCALPART", "agentbridge_admin")
	t.Setenv("AGENTBRIDGE_WEBHOOK_SECRET", "test-secret")

	tmpDir := t.TempDir()
	t.Setenv("AGENTBRIDGE_STORE_DB", filepath.Join(tmpDir, "state.db"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug (env override)", cfg.Logging.Level)
	}
	if cfg.Matrix.HomeserverURL != "https://env.example.com" {
		t.Errorf("Matrix.HomeserverURL = %s, want env override", cfg.Matrix.HomeserverURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")
	dbPath := filepath.Join(tmpDir, "state.db")

	contents := `
[matrix]
homeserver_url = "https://file.example.com"
server_name = "file.example.com"
admin_localpart = "agentbridge_admin"

[store]
db_path = "` + filepath.ToSlash(dbPath) + `"

[webhook]
verify = "bypass"
`
	if err := os.WriteFile(cfgPath, []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Matrix.HomeserverURL != "https://file.example.com" {
		t.Errorf("Matrix.HomeserverURL = %s, want https://file.example.com", cfg.Matrix.HomeserverURL)
	}
	if cfg.Webhook.Verify != "bypass" {
		t.Errorf("Webhook.Verify = %s, want bypass", cfg.Webhook.Verify)
	}
}
