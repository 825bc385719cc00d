package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file Initialize looks for in the config
// directory.
const ConfigFileName = "shadowwriter.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read shadowwriter.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	log.Info("Configuration initialized successfully",
		"providers", len(cfg.Providers),
		"purposes", len(cfg.PurposeMap),
		"max_outbound", cfg.Concurrency.MaxOutbound)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Note: ExpandEnv passes through original data on parse/execution
	// errors, letting the YAML parser produce the clearer message.
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// User values override built-in defaults; unset fields keep them.
	cfg := defaultConfig()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the resolved configuration for startup-fatal
// problems: no providers, keyless providers, a missing default route,
// or routes pointing at unknown providers.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range c.Providers {
		if len(p.APIKeys) == 0 {
			return fmt.Errorf("provider %q has no api_keys", name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q has no model", name)
		}
	}

	if len(c.PurposeMap) == 0 {
		return fmt.Errorf("purpose_map is required")
	}
	if _, ok := c.PurposeMap["default"]; !ok {
		return fmt.Errorf("purpose_map must contain %q", "default")
	}
	for purpose, route := range c.PurposeMap {
		if _, ok := c.Providers[route.Provider]; !ok {
			return fmt.Errorf("purpose %q references unknown provider %q", purpose, route.Provider)
		}
	}

	if c.Chunk.Min <= 0 || c.Chunk.Max < c.Chunk.Min {
		return fmt.Errorf("chunk bounds invalid: min=%d max=%d", c.Chunk.Min, c.Chunk.Max)
	}
	if c.Chunk.Target < c.Chunk.Min || c.Chunk.Target > c.Chunk.Max {
		return fmt.Errorf("chunk target %d outside [%d, %d]", c.Chunk.Target, c.Chunk.Min, c.Chunk.Max)
	}
	if c.Concurrency.MaxOutbound <= 0 {
		return fmt.Errorf("concurrency.max_outbound must be positive")
	}
	return nil
}

// KeySecrets returns provider → API key list, the shape the key pool
// manager consumes.
func (c *Config) KeySecrets() map[string][]string {
	out := make(map[string][]string, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.APIKeys
	}
	return out
}
