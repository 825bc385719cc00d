// Package monitor tracks per-key usage telemetry for the LLM provider
// layer: call counts, success/failure ratios, rate-limit hits, rolling
// failure windows, and provider-reported quota headers.
//
// The registry is purely observational. It consumes hooks from the key
// pool and the LLM client and must never block either of them; every
// method does bounded in-memory work under a single mutex.
package monitor

import (
	"sort"
	"sync"
	"time"
)

// windowSize is the length of the rolling success/failure window kept
// per key.
const windowSize = 50

// KeyStats is the internal mutable counter record for one key.
type keyStats struct {
	keyID    string
	provider string

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	rateLimitHits   int64

	consecutiveFailures int
	window              []bool // true = success, capped at windowSize

	totalLatency time.Duration
	lastUsed     time.Time

	valid         bool
	invalidReason string

	// Provider-reported quota headers from the most recent response,
	// e.g. x-ratelimit-remaining-requests. Keys are provider-specific.
	quotaHeaders map[string]string
}

// KeyView is an immutable snapshot of one key's telemetry.
type KeyView struct {
	KeyID               string            `json:"key_id"`
	Provider            string            `json:"provider"`
	TotalCalls          int64             `json:"total_calls"`
	SuccessfulCalls     int64             `json:"successful_calls"`
	FailedCalls         int64             `json:"failed_calls"`
	RateLimitHits       int64             `json:"rate_limit_hits"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	FailureRate         float64           `json:"failure_rate"`
	AvgLatencyMS        float64           `json:"avg_latency_ms"`
	LastUsed            time.Time         `json:"last_used"`
	Valid               bool              `json:"valid"`
	InvalidReason       string            `json:"invalid_reason,omitempty"`
	QuotaHeaders        map[string]string `json:"quota_headers,omitempty"`
}

// Summary aggregates registry-wide counters for the dashboard.
type Summary struct {
	TotalKeys     int   `json:"total_keys"`
	HealthyKeys   int   `json:"healthy_keys"`
	InvalidKeys   int   `json:"invalid_keys"`
	TotalCalls    int64 `json:"total_calls"`
	TotalFailures int64 `json:"total_failures"`
	RateLimitHits int64 `json:"rate_limit_hits"`
}

// Registry is the process-global key telemetry store.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]*keyStats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]*keyStats)}
}

// Register adds a key to the registry. Idempotent; existing counters
// are preserved.
func (r *Registry) Register(provider, keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[keyID]; ok {
		return
	}
	r.keys[keyID] = &keyStats{
		keyID:    keyID,
		provider: provider,
		valid:    true,
	}
}

// RecordSuccess notes one successful call and its latency.
func (r *Registry) RecordSuccess(keyID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.keys[keyID]
	if !ok {
		return
	}
	s.totalCalls++
	s.successfulCalls++
	s.consecutiveFailures = 0
	s.totalLatency += latency
	s.lastUsed = time.Now()
	s.push(true)
}

// RecordFailure notes one failed call. rateLimited distinguishes 429s
// from other failures for the dashboard.
func (r *Registry) RecordFailure(keyID string, rateLimited bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.keys[keyID]
	if !ok {
		return
	}
	s.totalCalls++
	s.failedCalls++
	s.consecutiveFailures++
	if rateLimited {
		s.rateLimitHits++
	}
	s.lastUsed = time.Now()
	s.push(false)
}

// RecordQuotaHeaders stores provider rate-limit headers from the most
// recent response for this key.
func (r *Registry) RecordQuotaHeaders(keyID string, headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.keys[keyID]
	if !ok {
		return
	}
	if s.quotaHeaders == nil {
		s.quotaHeaders = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		s.quotaHeaders[k] = v
	}
}

// MarkInvalid flags a key as permanently invalid for this process.
func (r *Registry) MarkInvalid(keyID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.keys[keyID]; ok {
		s.valid = false
		s.invalidReason = reason
	}
}

// Get returns the snapshot for one key.
func (r *Registry) Get(keyID string) (KeyView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.keys[keyID]
	if !ok {
		return KeyView{}, false
	}
	return s.view(), true
}

// Healthy returns snapshots of all valid keys.
func (r *Registry) Healthy() []KeyView {
	return r.filter(func(s *keyStats) bool { return s.valid })
}

// Invalid returns snapshots of all invalidated keys.
func (r *Registry) Invalid() []KeyView {
	return r.filter(func(s *keyStats) bool { return !s.valid })
}

// All returns snapshots of every registered key, sorted by key ID for
// stable output.
func (r *Registry) All() []KeyView {
	views := r.filter(func(*keyStats) bool { return true })
	sort.Slice(views, func(i, j int) bool { return views[i].KeyID < views[j].KeyID })
	return views
}

// TopBySuccess returns up to n keys ordered by successful call count.
func (r *Registry) TopBySuccess(n int) []KeyView {
	views := r.filter(func(*keyStats) bool { return true })
	sort.Slice(views, func(i, j int) bool { return views[i].SuccessfulCalls > views[j].SuccessfulCalls })
	if len(views) > n {
		views = views[:n]
	}
	return views
}

// TopByUsage returns up to n keys ordered by total call count.
func (r *Registry) TopByUsage(n int) []KeyView {
	views := r.filter(func(*keyStats) bool { return true })
	sort.Slice(views, func(i, j int) bool { return views[i].TotalCalls > views[j].TotalCalls })
	if len(views) > n {
		views = views[:n]
	}
	return views
}

// Summary returns registry-wide aggregates.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum Summary
	sum.TotalKeys = len(r.keys)
	for _, s := range r.keys {
		if s.valid {
			sum.HealthyKeys++
		} else {
			sum.InvalidKeys++
		}
		sum.TotalCalls += s.totalCalls
		sum.TotalFailures += s.failedCalls
		sum.RateLimitHits += s.rateLimitHits
	}
	return sum
}

// Reset wipes all counters. Test helper only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = make(map[string]*keyStats)
}

func (r *Registry) filter(keep func(*keyStats) bool) []KeyView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]KeyView, 0, len(r.keys))
	for _, s := range r.keys {
		if keep(s) {
			views = append(views, s.view())
		}
	}
	return views
}

func (s *keyStats) push(success bool) {
	s.window = append(s.window, success)
	if len(s.window) > windowSize {
		s.window = s.window[len(s.window)-windowSize:]
	}
}

// failureRate is computed over the rolling window, not lifetime totals,
// so a key that recovers is not punished for ancient history.
func (s *keyStats) failureRate() float64 {
	if len(s.window) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range s.window {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.window))
}

func (s *keyStats) view() KeyView {
	v := KeyView{
		KeyID:               s.keyID,
		Provider:            s.provider,
		TotalCalls:          s.totalCalls,
		SuccessfulCalls:     s.successfulCalls,
		FailedCalls:         s.failedCalls,
		RateLimitHits:       s.rateLimitHits,
		ConsecutiveFailures: s.consecutiveFailures,
		FailureRate:         s.failureRate(),
		LastUsed:            s.lastUsed,
		Valid:               s.valid,
		InvalidReason:       s.invalidReason,
	}
	if s.successfulCalls > 0 {
		v.AvgLatencyMS = float64(s.totalLatency.Milliseconds()) / float64(s.successfulCalls)
	}
	if len(s.quotaHeaders) > 0 {
		v.QuotaHeaders = make(map[string]string, len(s.quotaHeaders))
		for k, val := range s.quotaHeaders {
			v.QuotaHeaders[k] = val
		}
	}
	return v
}
