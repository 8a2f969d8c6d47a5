// Package config provides configuration management for the agent bridge.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all bridge configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Matrix    MatrixConfig    `toml:"matrix"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Connector ConnectorConfig `toml:"connector"`
	Store     StoreConfig     `toml:"store"`
	Peer      PeerConfig      `toml:"peer"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds process-level server configuration.
type ServerConfig struct {
	// RESTAddr is the listen address for the external REST surface.
	RESTAddr string `toml:"rest_addr" env:"AGENTBRIDGE_REST_ADDR"`

	// RPCSocketPath is the Unix domain socket the Unified Tool Surface
	// listens on.
	RPCSocketPath string `toml:"rpc_socket_path" env:"AGENTBRIDGE_RPC_SOCKET"`

	// MetricsAddr is the listen address for the Prometheus /metrics endpoint.
	MetricsAddr string `toml:"metrics_addr" env:"AGENTBRIDGE_METRICS_ADDR"`

	// PidFile is the path to the PID file for daemon mode.
	PidFile string `toml:"pid_file" env:"AGENTBRIDGE_PID_FILE"`

	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds" env:"AGENTBRIDGE_SHUTDOWN_TIMEOUT"`
}

// MatrixConfig holds homeserver connection configuration.
type MatrixConfig struct {
	HomeserverURL  string `toml:"homeserver_url" env:"AGENTBRIDGE_HOMESERVER_URL"`
	ServerName     string `toml:"server_name" env:"AGENTBRIDGE_SERVER_NAME"`
	AdminLocalpart string `toml:"admin_localpart" env:"AGENTBRIDGE_ADMIN_LOCALPART"`
	AdminPassword  string `toml:"admin_password" env:"AGENTBRIDGE_ADMIN_PASSWORD"`
	AdminRoomID    string `toml:"admin_room_id" env:"AGENTBRIDGE_ADMIN_ROOM_ID"`

	SyncTimeoutMs        int  `toml:"sync_timeout_ms" env:"AGENTBRIDGE_SYNC_TIMEOUT_MS"`
	ColdStartDropHistory bool `toml:"cold_start_drop_history" env:"AGENTBRIDGE_COLD_START_DROP_HISTORY"`

	RateLimitMaxRetries int `toml:"rate_limit_max_retries" env:"AGENTBRIDGE_RATE_LIMIT_MAX_RETRIES"`
}

// ReconcileConfig holds Reconciler tuning.
type ReconcileConfig struct {
	IntervalMs     int    `toml:"interval_ms" env:"AGENTBRIDGE_RECONCILE_INTERVAL_MS"`
	AgentsSpaceAlias string `toml:"agents_space_alias" env:"AGENTBRIDGE_AGENTS_SPACE_ALIAS"`
}

// WebhookConfig holds Webhook Ingress configuration.
type WebhookConfig struct {
	Verify string `toml:"verify" env:"AGENTBRIDGE_WEBHOOK_VERIFY"` // "enforce" | "bypass"
	Secret string `toml:"secret" env:"AGENTBRIDGE_WEBHOOK_SECRET"`

	ReplayWindowSeconds    int `toml:"replay_window_seconds" env:"AGENTBRIDGE_WEBHOOK_REPLAY_WINDOW"`
	RequestDeadlineSeconds int `toml:"request_deadline_seconds" env:"AGENTBRIDGE_WEBHOOK_DEADLINE"`
	DedupWindowSeconds     int `toml:"dedup_window_seconds" env:"AGENTBRIDGE_WEBHOOK_DEDUP_WINDOW"`
}

// ConnectorConfig holds Agent Runtime Connector and Delivery Arbiter tuning.
type ConnectorConfig struct {
	MaxConcurrentPerConversation int `toml:"max_concurrent_per_conversation" env:"AGENTBRIDGE_CONNECTOR_MAX_CONCURRENT"`
	InflightTTLSeconds           int `toml:"inflight_ttl_seconds" env:"AGENTBRIDGE_INFLIGHT_TTL_SECONDS"`
	RuntimeBaseURL               string `toml:"runtime_base_url" env:"AGENTBRIDGE_RUNTIME_BASE_URL"`
	RuntimeToken                 string `toml:"runtime_token" env:"AGENTBRIDGE_RUNTIME_TOKEN"`
}

// StoreConfig holds State Persistence configuration.
type StoreConfig struct {
	DBPath string `toml:"db_path" env:"AGENTBRIDGE_STORE_DB"`
}

// PeerConfig holds Peer Bridge / PeerRegistration configuration.
type PeerConfig struct {
	RegistrationTTLSeconds int  `toml:"registration_ttl_seconds" env:"AGENTBRIDGE_PEER_TTL_SECONDS"`
	DiscoveryEnabled       bool `toml:"discovery_enabled" env:"AGENTBRIDGE_PEER_DISCOVERY_ENABLED"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `toml:"level" env:"AGENTBRIDGE_LOG_LEVEL"`
	Format string `toml:"format" env:"AGENTBRIDGE_LOG_FORMAT"`
	Output string `toml:"output" env:"AGENTBRIDGE_LOG_OUTPUT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			RESTAddr:               ":8080",
			RPCSocketPath:          "/run/agentbridge/bridge.sock",
			MetricsAddr:            ":9090",
			PidFile:                "/run/agentbridge/bridge.pid",
			ShutdownTimeoutSeconds: 10,
		},
		Matrix: MatrixConfig{
			SyncTimeoutMs:        10000,
			ColdStartDropHistory: true,
			RateLimitMaxRetries:  5,
		},
		Reconcile: ReconcileConfig{
			IntervalMs:       500,
			AgentsSpaceAlias: "#agents-space",
		},
		Webhook: WebhookConfig{
			Verify:                 "enforce",
			ReplayWindowSeconds:    300,
			RequestDeadlineSeconds: 10,
			DedupWindowSeconds:     600,
		},
		Connector: ConnectorConfig{
			MaxConcurrentPerConversation: 1,
			InflightTTLSeconds:           300,
		},
		Store: StoreConfig{
			DBPath: filepath.Join(homeDir, ".agentbridge", "state.db"),
		},
		Peer: PeerConfig{
			RegistrationTTLSeconds: 60,
			DiscoveryEnabled:       false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check.
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		"./config.toml",
		filepath.Join(homeDir, ".agentbridge", "config.toml"),
		filepath.Join("/etc", "agentbridge", "config.toml"),
	}
}

func validateDirectoryWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Matrix.HomeserverURL == "" {
		return fmt.Errorf("%w: matrix.homeserver_url is required", ErrInvalidConfig)
	}
	if c.Matrix.ServerName == "" {
		return fmt.Errorf("%w: matrix.server_name is required", ErrInvalidConfig)
	}
	if c.Matrix.AdminLocalpart == "" {
		return fmt.Errorf("%w: matrix.admin_localpart is required", ErrInvalidConfig)
	}

	if c.Reconcile.IntervalMs < 1 {
		return fmt.Errorf("%w: reconcile.interval_ms must be at least 1", ErrInvalidConfig)
	}

	switch c.Webhook.Verify {
	case "enforce", "bypass":
	default:
		return fmt.Errorf("%w: webhook.verify must be one of: enforce, bypass", ErrInvalidConfig)
	}
	if c.Webhook.Verify == "enforce" && c.Webhook.Secret == "" {
		return fmt.Errorf("%w: webhook.secret is required when webhook.verify is 'enforce'", ErrInvalidConfig)
	}

	if c.Connector.MaxConcurrentPerConversation < 1 {
		return fmt.Errorf("%w: connector.max_concurrent_per_conversation must be at least 1", ErrInvalidConfig)
	}
	if c.Connector.InflightTTLSeconds < 1 {
		return fmt.Errorf("%w: connector.inflight_ttl_seconds must be at least 1", ErrInvalidConfig)
	}

	if c.Store.DBPath == "" {
		return fmt.Errorf("%w: store.db_path is required", ErrInvalidConfig)
	}
	if err := validateDirectoryWritable(filepath.Dir(c.Store.DBPath)); err != nil {
		return fmt.Errorf("%w: store directory: %w", ErrInvalidConfig, err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	return nil
}

// SyncTimeout returns the configured sync long-poll timeout as a Duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Matrix.SyncTimeoutMs) * time.Millisecond
}

// ReconcileInterval returns the configured reconciler tick interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMs) * time.Millisecond
}

// InflightTTL returns the configured Delivery Arbiter TTL.
func (c *Config) InflightTTL() time.Duration {
	return time.Duration(c.Connector.InflightTTLSeconds) * time.Second
}

// WebhookReplayWindow returns the configured webhook signature replay window.
func (c *Config) WebhookReplayWindow() time.Duration {
	return time.Duration(c.Webhook.ReplayWindowSeconds) * time.Second
}

// PeerRegistrationTTL returns the configured PeerRegistration staleness TTL.
func (c *Config) PeerRegistrationTTL() time.Duration {
	return time.Duration(c.Peer.RegistrationTTLSeconds) * time.Second
}
