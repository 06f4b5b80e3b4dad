package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads the config file at path and overlays env vars. A missing file
// is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as plain JSON. The Postgres DSN is tagged out of
// serialization and never lands on disk.
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides overlays ALLY_* env vars. Env takes precedence over
// the file; flags are applied later by the CLI and take precedence over both.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("ALLY_PROFILE", &c.Profile)
	envStr("ALLY_ENDPOINT", &c.Model.Endpoint)
	envStr("ALLY_MODEL", &c.Model.Name)
	envInt("ALLY_CONTEXT_SIZE", &c.Model.ContextSize)
	envInt("ALLY_MAX_TOKENS", &c.Model.MaxTokens)
	envStr("ALLY_REASONING_EFFORT", &c.Model.ReasoningEffort)
	if v := os.Getenv("ALLY_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Model.Temperature = f
		}
	}

	envBool("ALLY_AUTO_CONFIRM", &c.Permissions.AutoConfirm)

	envStr("ALLY_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("ALLY_SESSIONS_DIR", &c.Sessions.Dir)
	envStr("ALLY_SESSIONS_PATH", &c.Sessions.Path)
	envStr("ALLY_POSTGRES_DSN", &c.Sessions.PostgresDSN)

	envBool("ALLY_GATEWAY_ENABLED", &c.Gateway.Enabled)
	envInt("ALLY_GATEWAY_PORT", &c.Gateway.Port)

	envBool("ALLY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("ALLY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ALLY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ALLY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("ALLY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envBool("ALLY_VERBOSE", &c.Verbose)
	envBool("ALLY_DEBUG", &c.Debug)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
