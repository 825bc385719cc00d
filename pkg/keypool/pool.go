// Package keypool manages the per-provider API key collections that the
// LLM client rotates through under rate-limit and failure pressure.
//
// Each provider gets one Pool holding an ordered list of keys with a
// round-robin cursor. Acquire hands out the next usable key; failures
// put the key on an escalating cooldown and advance the cursor; repeated
// failures invalidate the key for the rest of the process lifetime.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tedlearn/shadowwriter/pkg/monitor"
)

// ErrAllKeysExhausted is returned by Acquire when every key for the
// provider has been permanently invalidated.
var ErrAllKeysExhausted = errors.New("all API keys exhausted")

// Invalidation thresholds.
const (
	maxConsecutiveFailures = 10
	failureRateThreshold   = 0.8
	failureWindowSize      = 50
)

// CooldownConfig controls the escalating backoff applied to failing
// keys. Cooldown for failure n is min(cap, base·2^(n-1)) with ±25%
// jitter; rate limits use a 1s doubling base capped at RateLimitCap.
type CooldownConfig struct {
	RateLimitCap  time.Duration // default 60s
	TransientBase time.Duration // default 5s
	TransientCap  time.Duration // default 30s
}

// DefaultCooldowns returns the production cooldown settings.
func DefaultCooldowns() CooldownConfig {
	return CooldownConfig{
		RateLimitCap:  60 * time.Second,
		TransientBase: 5 * time.Second,
		TransientCap:  30 * time.Second,
	}
}

// Key is the handle returned by Acquire. Secret is the raw API key;
// ID is the stable identifier used for telemetry.
type Key struct {
	ID       string
	Secret   string
	Provider string
}

// Masked returns the secret with the middle elided, for logs.
func (k Key) Masked() string {
	if len(k.Secret) <= 8 {
		return "****"
	}
	return k.Secret[:4] + "..." + k.Secret[len(k.Secret)-4:]
}

type keyState struct {
	key                 Key
	coolingUntil        time.Time
	consecutiveFailures int
	window              []bool
	valid               bool
	invalidReason       string
	totalCalls          int64
	successfulCalls     int64
	failedCalls         int64
	rateLimitHits       int64
}

// KeyStatus is a read-only snapshot of one key's pool state.
type KeyStatus struct {
	ID                  string        `json:"id"`
	Valid               bool          `json:"valid"`
	InvalidReason       string        `json:"invalid_reason,omitempty"`
	CoolingFor          time.Duration `json:"cooling_for,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCalls          int64         `json:"total_calls"`
	SuccessfulCalls     int64         `json:"successful_calls"`
	FailedCalls         int64         `json:"failed_calls"`
	RateLimitHits       int64         `json:"rate_limit_hits"`
}

// Pool holds the keys for one provider.
type Pool struct {
	provider string
	cfg      CooldownConfig
	registry *monitor.Registry // optional telemetry sink

	mu            sync.Mutex
	keys          []*keyState
	cursor        int
	totalSwitches int64

	now func() time.Time // injected in tests
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldowns overrides the cooldown settings.
func WithCooldowns(cfg CooldownConfig) Option {
	return func(p *Pool) { p.cfg = cfg }
}

// WithRegistry attaches a telemetry registry.
func WithRegistry(r *monitor.Registry) Option {
	return func(p *Pool) { p.registry = r }
}

// New builds a pool for one provider from its configured secrets.
func New(provider string, secrets []string, opts ...Option) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("provider %q: no API keys configured", provider)
	}
	p := &Pool{
		provider: provider,
		cfg:      DefaultCooldowns(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i, secret := range secrets {
		k := Key{
			ID:       fmt.Sprintf("%s-%d", provider, i),
			Secret:   secret,
			Provider: provider,
		}
		p.keys = append(p.keys, &keyState{key: k, valid: true})
		if p.registry != nil {
			p.registry.Register(provider, k.ID)
		}
	}
	return p, nil
}

// Provider returns the provider name this pool serves.
func (p *Pool) Provider() string { return p.provider }

// Acquire returns the next usable key, rotating the cursor for fairness.
// If every valid key is cooling it suspends (without holding the lock)
// until the earliest cooldown expires or ctx is done. It fails with
// ErrAllKeysExhausted only when no valid key remains.
func (p *Pool) Acquire(ctx context.Context) (Key, error) {
	for {
		key, wait, err := p.tryAcquire()
		if err != nil {
			return Key{}, err
		}
		if wait <= 0 {
			return key, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Key{}, ctx.Err()
		}
	}
}

// tryAcquire returns either a usable key (wait==0) or the time to sleep
// before retrying. Holding the lock across the scan only — never across
// the sleep.
func (p *Pool) tryAcquire() (Key, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.keys)
	earliest := time.Time{}
	anyValid := false

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		ks := p.keys[idx]
		if !ks.valid {
			continue
		}
		anyValid = true
		if ks.coolingUntil.After(now) {
			if earliest.IsZero() || ks.coolingUntil.Before(earliest) {
				earliest = ks.coolingUntil
			}
			continue
		}
		p.cursor = (idx + 1) % n
		ks.totalCalls++
		return ks.key, 0, nil
	}

	if !anyValid {
		return Key{}, 0, fmt.Errorf("provider %q: %w", p.provider, ErrAllKeysExhausted)
	}
	return Key{}, earliest.Sub(now), nil
}

// MarkSuccess records a successful call: the failure streak resets and
// the rolling window gains a success entry.
func (p *Pool) MarkSuccess(key Key, latency time.Duration) {
	p.mu.Lock()
	ks := p.find(key.ID)
	if ks != nil {
		ks.consecutiveFailures = 0
		ks.successfulCalls++
		pushWindow(ks, true)
	}
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.RecordSuccess(key.ID, latency)
	}
}

// MarkFailure classifies the error, applies the matching cooldown, and
// advances the rotation cursor. Returns the classification so the
// caller can decide whether to retry.
func (p *Pool) MarkFailure(key Key, callErr error) ErrorClass {
	class := Classify(callErr)

	p.mu.Lock()
	ks := p.find(key.ID)
	if ks == nil {
		p.mu.Unlock()
		return class
	}

	ks.failedCalls++
	ks.consecutiveFailures++
	pushWindow(ks, false)

	switch class {
	case ClassRateLimit:
		ks.rateLimitHits++
		ks.coolingUntil = p.now().Add(p.cooldownFor(class, ks.consecutiveFailures))
		p.rotateLocked()
	case ClassTransient:
		ks.coolingUntil = p.now().Add(p.cooldownFor(class, ks.consecutiveFailures))
		p.rotateLocked()
	case ClassAuth:
		ks.valid = false
		ks.invalidReason = callErr.Error()
		p.rotateLocked()
	default:
		// Non-retriable content/config errors: no cooldown, no rotation.
	}

	p.maybeInvalidateLocked(ks)
	invalidReason := ks.invalidReason
	valid := ks.valid
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.RecordFailure(key.ID, class == ClassRateLimit)
		if !valid {
			p.registry.MarkInvalid(key.ID, invalidReason)
		}
	}
	return class
}

// Invalidate permanently removes a key from rotation (health check).
func (p *Pool) Invalidate(key Key, reason string) {
	p.mu.Lock()
	if ks := p.find(key.ID); ks != nil {
		ks.valid = false
		ks.invalidReason = reason
	}
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.MarkInvalid(key.ID, reason)
	}
}

// Keys returns a snapshot of every key's raw Key handle (health check).
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, 0, len(p.keys))
	for _, ks := range p.keys {
		out = append(out, ks.key)
	}
	return out
}

// Status returns per-key snapshots for the ops endpoints.
func (p *Pool) Status() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]KeyStatus, 0, len(p.keys))
	for _, ks := range p.keys {
		st := KeyStatus{
			ID:                  ks.key.ID,
			Valid:               ks.valid,
			InvalidReason:       ks.invalidReason,
			ConsecutiveFailures: ks.consecutiveFailures,
			TotalCalls:          ks.totalCalls,
			SuccessfulCalls:     ks.successfulCalls,
			FailedCalls:         ks.failedCalls,
			RateLimitHits:       ks.rateLimitHits,
		}
		if ks.coolingUntil.After(now) {
			st.CoolingFor = ks.coolingUntil.Sub(now)
		}
		out = append(out, st)
	}
	return out
}

// HasValidKey reports whether at least one key remains in rotation.
func (p *Pool) HasValidKey() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ks := range p.keys {
		if ks.valid {
			return true
		}
	}
	return false
}

// TotalSwitches returns how many times the cursor rotated on failure.
func (p *Pool) TotalSwitches() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSwitches
}

// cooldownFor computes min(cap, base·2^(n-1)) with ±25% jitter for the
// n-th consecutive failure. Rate limits double from 1s up to the 60s
// cap; transient errors double from 5s up to 30s.
func (p *Pool) cooldownFor(class ErrorClass, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var base, limit time.Duration
	switch class {
	case ClassRateLimit:
		base, limit = time.Second, p.cfg.RateLimitCap
	case ClassTransient:
		base, limit = p.cfg.TransientBase, p.cfg.TransientCap
	default:
		return 0
	}

	// Shift guard: beyond 30 doublings the cap always wins.
	d := limit
	if n <= 30 {
		scaled := base << (n - 1)
		if scaled < limit {
			d = scaled
		}
	}

	// ±25% uniform jitter so cooling keys don't thaw in lockstep.
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func (p *Pool) rotateLocked() {
	p.cursor = (p.cursor + 1) % len(p.keys)
	p.totalSwitches++
}

// maybeInvalidateLocked applies the two invalidation rules: a long
// consecutive-failure streak, or a full rolling window dominated by
// failures.
func (p *Pool) maybeInvalidateLocked(ks *keyState) {
	if !ks.valid {
		return
	}
	if ks.consecutiveFailures >= maxConsecutiveFailures {
		ks.valid = false
		ks.invalidReason = fmt.Sprintf("%d consecutive failures", ks.consecutiveFailures)
		return
	}
	if len(ks.window) == failureWindowSize {
		failures := 0
		for _, ok := range ks.window {
			if !ok {
				failures++
			}
		}
		if rate := float64(failures) / float64(len(ks.window)); rate > failureRateThreshold {
			ks.valid = false
			ks.invalidReason = fmt.Sprintf("failure rate %.0f%% over last %d calls", rate*100, failureWindowSize)
		}
	}
}

func (p *Pool) find(id string) *keyState {
	for _, ks := range p.keys {
		if ks.key.ID == id {
			return ks
		}
	}
	return nil
}

func pushWindow(ks *keyState, success bool) {
	ks.window = append(ks.window, success)
	if len(ks.window) > failureWindowSize {
		ks.window = ks.window[len(ks.window)-failureWindowSize:]
	}
}
