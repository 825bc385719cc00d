// Package config loads and validates the service configuration from
// shadowwriter.yaml, with environment variables expanded via Go
// template syntax ({{.VAR_NAME}}).
package config

import (
	"time"
)

// Config is the fully resolved service configuration.
type Config struct {
	Providers  map[string]ProviderConfig `yaml:"providers"`
	PurposeMap map[string]RouteConfig    `yaml:"purpose_map"`

	Chunk       ChunkConfig       `yaml:"chunk"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	SSE         SSEConfig         `yaml:"sse"`
	Task        TaskConfig        `yaml:"task"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
}

// ProviderConfig describes one LLM backend and its key set.
type ProviderConfig struct {
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url,omitempty"`
}

// RouteConfig maps a call-site purpose to a provider and model.
type RouteConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float32 `yaml:"temperature,omitempty"`
}

// ChunkConfig bounds transcript chunk sizes in characters.
type ChunkConfig struct {
	Min    int `yaml:"min"`
	Max    int `yaml:"max"`
	Target int `yaml:"target"`
}

// ConcurrencyConfig caps simultaneous outbound LLM requests.
type ConcurrencyConfig struct {
	MaxOutbound int `yaml:"max_outbound"`
}

// CooldownConfig sets key cooldown escalation bounds in seconds.
type CooldownConfig struct {
	RateLimitCapSeconds  int `yaml:"rate_limit_cap_seconds"`
	TransientBaseSeconds int `yaml:"transient_base_seconds"`
	TransientCapSeconds  int `yaml:"transient_cap_seconds"`
}

// SSEConfig bounds the per-task event queues.
type SSEConfig struct {
	MaxMessagesPerTask int `yaml:"max_messages_per_task"`
	TTLSeconds         int `yaml:"ttl_seconds"`
}

// TaskConfig sets processing deadlines.
type TaskConfig struct {
	StageTimeoutSeconds   int `yaml:"stage_timeout_seconds"`
	OverallTimeoutSeconds int `yaml:"overall_timeout_seconds"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig toggles PostgreSQL persistence. Connection settings
// come from DB_* environment variables; with Enabled false the service
// runs on the in-memory store.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StageTimeout returns the per-stage deadline as a duration.
func (c TaskConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// OverallTimeout returns the whole-task deadline as a duration.
func (c TaskConfig) OverallTimeout() time.Duration {
	return time.Duration(c.OverallTimeoutSeconds) * time.Second
}

// TTL returns the event queue idle lifetime as a duration.
func (c SSEConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// defaultConfig returns the built-in defaults; user YAML merges on top.
func defaultConfig() *Config {
	return &Config{
		Chunk:       ChunkConfig{Min: 150, Max: 250, Target: 200},
		Concurrency: ConcurrencyConfig{MaxOutbound: 3},
		Cooldown: CooldownConfig{
			RateLimitCapSeconds:  60,
			TransientBaseSeconds: 5,
			TransientCapSeconds:  30,
		},
		SSE:    SSEConfig{MaxMessagesPerTask: 100, TTLSeconds: 300},
		Task:   TaskConfig{StageTimeoutSeconds: 120, OverallTimeoutSeconds: 600},
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
	}
}
