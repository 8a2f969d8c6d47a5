package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from path, falling back to the default search
// locations when path is empty, and finally to DefaultConfig() when no file
// is found anywhere. TOML values are overridden by any AGENTBRIDGE_* env var
// named on the corresponding field's `env` tag, so a deployment can tweak a
// single setting without editing the file on disk.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		log.Printf("no configuration file found in default locations")
		for _, p := range ConfigPaths() {
			log.Printf("  - %s", p)
		}
		log.Printf("using default configuration")
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error, for cmd/bridge's startup path.
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides walks every nested struct field of cfg and, for any
// field carrying an `env:"NAME"` tag, overwrites it with the value of the
// named environment variable when set. Supports the field kinds Config
// actually uses: string, bool, and int.
func applyEnvOverrides(cfg *Config) {
	walkEnvFields(reflect.ValueOf(cfg).Elem())
}

func walkEnvFields(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			walkEnvFields(fv)
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}

		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			fv.SetBool(raw == "true" || raw == "1")
		case reflect.Int, reflect.Int64:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fv.SetInt(n)
			}
		}
	}
}

// Save writes cfg to path as TOML, validating first.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateExampleConfig writes a starter config.toml with placeholder
// Matrix credentials filled in, for `agentbridge-bridge init`.
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Matrix.HomeserverURL = "https://matrix.example.com"
	cfg.Matrix.ServerName = "example.com"
	cfg.Matrix.AdminLocalpart = "agentbridge_admin"
	cfg.Matrix.AdminPassword = "change-me"
	cfg.Webhook.Secret = "change-me"
	return Save(cfg, path)
}
