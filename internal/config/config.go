// Package config loads and watches the ally configuration. The file is
// JSON5 (~/.ally/profiles/<profile>/config/config.json by default), env
// vars overlay the file, and CLI flags overlay both.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// DefaultProfile is used when no profile is named.
const DefaultProfile = "default"

// Config is the root configuration.
type Config struct {
	Profile string `json:"profile,omitempty"`

	Model       ModelConfig       `json:"model"`
	Agent       AgentConfig       `json:"agent"`
	Permissions PermissionsConfig `json:"permissions"`
	Sessions    SessionsConfig    `json:"sessions"`
	Gateway     GatewayConfig     `json:"gateway"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	LoopDetect  LoopDetectConfig  `json:"loopDetect,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
	Debug   bool `json:"debug,omitempty"`

	mu sync.RWMutex
}

// ModelConfig selects the model endpoint and sampling settings.
type ModelConfig struct {
	Endpoint        string  `json:"endpoint"`
	Name            string  `json:"name"`
	Temperature     float64 `json:"temperature"`
	ContextSize     int     `json:"context_size"`
	MaxTokens       int     `json:"max_tokens"`
	ReasoningEffort string  `json:"reasoning_effort,omitempty"` // low, medium, high

	MaxRetries     int `json:"max_retries,omitempty"`
	BaseTimeoutSec int `json:"base_timeout_sec,omitempty"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	WatchdogTimeoutSec int  `json:"watchdog_timeout_sec,omitempty"` // default 180
	DisableWatchdog    bool `json:"disable_watchdog,omitempty"`     // root agent only
	PoolMax            int  `json:"pool_max,omitempty"`             // default 5
}

// PermissionsConfig controls tool confirmation.
type PermissionsConfig struct {
	AutoConfirm bool `json:"auto_confirm,omitempty"`

	// Allow lists confirmation-exempt patterns, e.g. "shell(git status)"
	// or "file-write".
	Allow []string `json:"allow,omitempty"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	Dir     string `json:"dir,omitempty"`     // file backend (default ~/.ally/sessions)
	Path    string `json:"path,omitempty"`    // sqlite backend (default ~/.ally/sessions.db)

	// PostgresDSN is never read from the file, only from ALLY_POSTGRES_DSN.
	PostgresDSN string `json:"-"`
}

// GatewayConfig configures the localhost WebSocket event gateway.
type GatewayConfig struct {
	Enabled      bool `json:"enabled,omitempty"`
	Port         int  `json:"port,omitempty"`           // default 18791
	RateLimitRPS int  `json:"rate_limit_rps,omitempty"` // per client, default 20
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "ally"
	Headers     map[string]string `json:"headers,omitempty"`
}

// LoopDetectConfig tunes the output loop detector.
type LoopDetectConfig struct {
	WarmupSec        int `json:"warmup_sec,omitempty"`         // default 15
	CheckIntervalSec int `json:"check_interval_sec,omitempty"` // default 2
	RepetitionCount  int `json:"repetition_count,omitempty"`   // default 3
	RepetitionWindow int `json:"repetition_window,omitempty"`  // chars, default 600
	StallSec         int `json:"stall_sec,omitempty"`          // default 30
}

// Default returns a Config with the standard local-Ollama defaults.
func Default() *Config {
	return &Config{
		Profile: DefaultProfile,
		Model: ModelConfig{
			Endpoint:    "http://localhost:11434",
			Name:        "qwen3:14b",
			Temperature: 0.7,
			ContextSize: 32768,
			MaxTokens:   8192,
		},
		Agent: AgentConfig{
			WatchdogTimeoutSec: 180,
			PoolMax:            5,
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Dir:     "~/.ally/sessions",
			Path:    "~/.ally/sessions.db",
		},
		Gateway: GatewayConfig{
			Port:         18791,
			RateLimitRPS: 20,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "ally",
		},
		LoopDetect: LoopDetectConfig{
			WarmupSec:        15,
			CheckIntervalSec: 2,
			RepetitionCount:  3,
			RepetitionWindow: 600,
			StallSec:         30,
		},
	}
}

// ReplaceFrom copies all data fields from src, preserving c's mutex. Used
// by the hot-reload watcher so shared pointers stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Profile = src.Profile
	c.Model = src.Model
	c.Agent = src.Agent
	c.Permissions = src.Permissions
	c.Sessions = src.Sessions
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.LoopDetect = src.LoopDetect
	c.Verbose = src.Verbose
	c.Debug = src.Debug
}

// Snapshot returns a copy of the data fields, safe to read without holding
// the lock across the caller's use.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Profile:     c.Profile,
		Model:       c.Model,
		Agent:       c.Agent,
		Permissions: c.Permissions,
		Sessions:    c.Sessions,
		Gateway:     c.Gateway,
		Telemetry:   c.Telemetry,
		LoopDetect:  c.LoopDetect,
		Verbose:     c.Verbose,
		Debug:       c.Debug,
	}
}

// Hash identifies the config contents, used to detect reload no-ops.
func (c *Config) Hash() string {
	snap := c.Snapshot()
	data, _ := json.Marshal(&snap)
	return hashBytes(data)
}

// HomeDir returns the ally home directory (~/.ally), honoring ALLY_HOME.
func HomeDir() string {
	if v := os.Getenv("ALLY_HOME"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ally"
	}
	return filepath.Join(home, ".ally")
}

// ProfileDir returns ~/.ally/profiles/<name> with the standard subdirs
// (plugins, agents, cache, config) as callers expect them.
func ProfileDir(profile string) string {
	if profile == "" {
		profile = DefaultProfile
	}
	return filepath.Join(HomeDir(), "profiles", profile)
}

// DefaultPath returns the config file path for a profile.
func DefaultPath(profile string) string {
	return filepath.Join(ProfileDir(profile), "config", "config.json")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	if len(path) == 1 {
		return home
	}
	return path
}
