package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tedlearn/shadowwriter/pkg/monitor"
)

// Manager owns one Pool per configured provider.
type Manager struct {
	pools    map[string]*Pool
	registry *monitor.Registry
}

// NewManager builds pools for every provider in the secrets map.
// At least one provider with at least one key is required.
func NewManager(secrets map[string][]string, registry *monitor.Registry, opts ...Option) (*Manager, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	m := &Manager{
		pools:    make(map[string]*Pool, len(secrets)),
		registry: registry,
	}
	if registry != nil {
		opts = append(opts, WithRegistry(registry))
	}
	for provider, keys := range secrets {
		pool, err := New(provider, keys, opts...)
		if err != nil {
			return nil, err
		}
		m.pools[provider] = pool
	}
	return m, nil
}

// Pool returns the pool for a provider.
func (m *Manager) Pool(provider string) (*Pool, error) {
	p, ok := m.pools[provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
	return p, nil
}

// Providers lists configured provider names, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry exposes the attached telemetry registry (may be nil).
func (m *Manager) Registry() *monitor.Registry { return m.registry }

// Status returns per-provider key snapshots for the ops endpoints.
func (m *Manager) Status() map[string][]KeyStatus {
	out := make(map[string][]KeyStatus, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Status()
	}
	return out
}

// Probe issues one minimal provider call with the given key and returns
// the call error, if any. Implemented by the LLM client.
type Probe func(ctx context.Context, key Key) error

// HealthCheck cold-start-validates every key with one minimal call.
// Keys failing with an auth-class error are permanently invalidated;
// any other failure keeps the key live (it may just be rate-limited).
// Returns an error only when a provider ends the check with zero valid
// keys, which is a fatal configuration problem.
func (m *Manager) HealthCheck(ctx context.Context, probe Probe) error {
	for name, pool := range m.pools {
		for _, key := range pool.Keys() {
			start := time.Now()
			err := probe(ctx, key)
			if err == nil {
				pool.MarkSuccess(key, time.Since(start))
				continue
			}
			if class := Classify(err); class == ClassAuth {
				slog.Warn("API key failed health check, invalidating",
					"provider", name, "key", key.Masked(), "error", err)
				pool.Invalidate(key, err.Error())
				continue
			}
			slog.Info("API key health check returned non-auth error, keeping key",
				"provider", name, "key", key.Masked(), "error", err)
		}
		if !pool.HasValidKey() {
			return fmt.Errorf("provider %q: no valid API keys after health check", name)
		}
	}
	return nil
}
