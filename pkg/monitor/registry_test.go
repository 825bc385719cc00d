package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SuccessFailureCounters(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")

	r.RecordSuccess("k1", 120*time.Millisecond)
	r.RecordSuccess("k1", 80*time.Millisecond)
	r.RecordFailure("k1", true)
	r.RecordFailure("k1", false)

	v, ok := r.Get("k1")
	require.True(t, ok)
	assert.Equal(t, int64(4), v.TotalCalls)
	assert.Equal(t, int64(2), v.SuccessfulCalls)
	assert.Equal(t, int64(2), v.FailedCalls)
	assert.Equal(t, int64(1), v.RateLimitHits)
	assert.Equal(t, 2, v.ConsecutiveFailures)
	assert.InDelta(t, 0.5, v.FailureRate, 0.001)
	assert.InDelta(t, 100.0, v.AvgLatencyMS, 1.0)
}

func TestRegistry_SuccessResetsConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")

	r.RecordFailure("k1", false)
	r.RecordFailure("k1", false)
	r.RecordSuccess("k1", time.Millisecond)

	v, _ := r.Get("k1")
	assert.Equal(t, 0, v.ConsecutiveFailures)
}

func TestRegistry_RollingWindowTrims(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")

	// 60 failures then 40 successes: the window only holds the last 50
	// entries (10 failures + 40 successes) so the rate is 0.2, not 0.6.
	for i := 0; i < 60; i++ {
		r.RecordFailure("k1", false)
	}
	for i := 0; i < 40; i++ {
		r.RecordSuccess("k1", time.Millisecond)
	}

	v, _ := r.Get("k1")
	assert.InDelta(t, 0.2, v.FailureRate, 0.001)
}

func TestRegistry_HealthyAndInvalidViews(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")
	r.Register("groq", "k2")
	r.Register("openai", "k3")
	r.MarkInvalid("k2", "invalid_api_key")

	assert.Len(t, r.Healthy(), 2)
	invalid := r.Invalid()
	require.Len(t, invalid, 1)
	assert.Equal(t, "k2", invalid[0].KeyID)
	assert.Equal(t, "invalid_api_key", invalid[0].InvalidReason)

	sum := r.Summary()
	assert.Equal(t, 3, sum.TotalKeys)
	assert.Equal(t, 2, sum.HealthyKeys)
	assert.Equal(t, 1, sum.InvalidKeys)
}

func TestRegistry_TopByUsageAndSuccess(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("k%d", i)
		r.Register("groq", id)
		for j := 0; j <= i; j++ {
			r.RecordSuccess(id, time.Millisecond)
		}
	}
	r.RecordFailure("k0", false)
	r.RecordFailure("k0", false)
	r.RecordFailure("k0", false)

	byUsage := r.TopByUsage(2)
	require.Len(t, byUsage, 2)
	assert.Equal(t, "k0", byUsage[0].KeyID) // 4 total calls

	bySuccess := r.TopBySuccess(1)
	require.Len(t, bySuccess, 1)
	assert.Equal(t, "k2", bySuccess[0].KeyID) // 3 successes
}

func TestRegistry_QuotaHeaders(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")
	r.RecordQuotaHeaders("k1", map[string]string{
		"x-ratelimit-remaining-requests": "97",
	})

	v, _ := r.Get("k1")
	assert.Equal(t, "97", v.QuotaHeaders["x-ratelimit-remaining-requests"])
}

func TestRegistry_ConcurrentRecording(t *testing.T) {
	r := NewRegistry()
	r.Register("groq", "k1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.RecordSuccess("k1", time.Millisecond)
				r.RecordFailure("k1", false)
			}
		}()
	}
	wg.Wait()

	v, _ := r.Get("k1")
	assert.Equal(t, int64(2000), v.TotalCalls)
	assert.Equal(t, int64(1000), v.SuccessfulCalls)
	assert.Equal(t, int64(1000), v.FailedCalls)
}

func TestRegistry_UnknownKeyIsNoop(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("ghost", time.Millisecond)
	r.RecordFailure("ghost", true)
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}
