package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedlearn/shadowwriter/pkg/keypool"
	"github.com/tedlearn/shadowwriter/pkg/monitor"
)

// fakeProvider is a scriptable OpenAI-compatible endpoint. Behavior is
// keyed on the bearer token so tests can give each API key a different
// personality.
type fakeProvider struct {
	mu       sync.Mutex
	calls    map[string]int // bearer token → call count
	handlers map[string]func(callNum int, w http.ResponseWriter, r *http.Request)
	srv      *httptest.Server
}

func newFakeProvider() *fakeProvider {
	f := &fakeProvider{
		calls:    make(map[string]int),
		handlers: make(map[string]func(int, http.ResponseWriter, *http.Request)),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		f.calls[token]++
		n := f.calls[token]
		h := f.handlers[token]
		f.mu.Unlock()
		if h == nil {
			respondContent(w, `{"ok": true}`)
			return
		}
		h(n, w, r)
	}))
	return f
}

func (f *fakeProvider) close() { f.srv.Close() }

func (f *fakeProvider) callCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

func (f *fakeProvider) on(token string, h func(int, http.ResponseWriter, *http.Request)) {
	f.mu.Lock()
	f.handlers[token] = h
	f.mu.Unlock()
}

func respondContent(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "test_error"},
	})
}

func newTestClient(t *testing.T, f *fakeProvider, secrets []string, opts ...Option) (*Client, *keypool.Manager) {
	t.Helper()
	reg := monitor.NewRegistry()
	pools, err := keypool.NewManager(map[string][]string{"groq": secrets}, reg,
		keypool.WithCooldowns(keypool.CooldownConfig{
			RateLimitCap:  100 * time.Millisecond,
			TransientBase: 10 * time.Millisecond,
			TransientCap:  50 * time.Millisecond,
		}))
	require.NoError(t, err)

	providers := map[string]ProviderSettings{
		"groq": {Name: "groq", BaseURL: f.srv.URL + "/v1", Model: "test-model"},
	}
	routes := map[string]Route{
		DefaultPurpose: {Provider: "groq", Model: "test-model", Temperature: 0.1},
		"quality":      {Provider: "groq", Model: "test-model-strict", Temperature: 0.1},
	}
	c, err := NewClient(providers, routes, pools, opts...)
	require.NoError(t, err)
	return c, pools
}

func TestNewClient_RequiresDefaultRoute(t *testing.T) {
	pools, err := keypool.NewManager(map[string][]string{"groq": {"sk-a-000000000"}}, nil)
	require.NoError(t, err)
	_, err = NewClient(
		map[string]ProviderSettings{"groq": {Name: "groq"}},
		map[string]Route{"quality": {Provider: "groq"}},
		pools,
	)
	assert.Error(t, err)
}

func TestCall_HappyPath(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, `{"original": "a sentence", "imitation": "b sentence", "map": {"Topic": ["a", "b"]}}`)
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", Schema{
		"original":  KindString,
		"imitation": KindString,
		"map":       KindObject,
	})
	require.NoError(t, err)
	assert.Equal(t, "a sentence", result["original"])
}

func TestCall_RepairsSloppyJSON(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, "```json\n{'original': 'a', 'imitation': 'b',}\n```")
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", result["original"])
}

func TestCall_NormalizesArrayAndScalar(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, `[{"original": "from array"}, {"original": "ignored"}]`)
	})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "from array", result["original"])

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, `"just a string"`)
	})
	result, err = c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Contains(t, result["raw"], "just a string")
}

func TestCall_RotatesOnRateLimit(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusTooManyRequests, "Rate limit reached for model")
	})
	f.on("sk-key-2-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, `{"ok": true}`)
	})

	c, pools := newTestClient(t, f, []string{"sk-key-1-0000000", "sk-key-2-0000000"})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])

	// Monitor recorded the 429 against the first key.
	pool, _ := pools.Pool("groq")
	var hits int64
	for _, st := range pool.Status() {
		hits += st.RateLimitHits
	}
	assert.Equal(t, int64(1), hits)
}

func TestCall_RecoversAfterTransientError(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			respondError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		respondContent(w, `{"ok": true}`)
	})

	// Single key: the client must wait out the short cooldown and retry
	// the same key rather than failing.
	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 2, f.callCount("sk-key-1-0000000"))
}

func TestCall_AuthErrorSurfacesImmediately(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusUnauthorized, "invalid_api_key")
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000", "sk-key-2-0000000"})
	_, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_api_key")
	// No retry on the second key.
	assert.Zero(t, f.callCount("sk-key-2-0000000"))
}

func TestCall_ProviderExhausted(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	c, pools := newTestClient(t, f, []string{"sk-key-1-0000000"})
	pool, _ := pools.Pool("groq")
	for _, k := range pool.Keys() {
		pool.Invalidate(k, "burned out in a previous call")
	}

	_, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	assert.ErrorIs(t, err, ErrProviderExhausted)
}

func TestCall_SchemaViolation(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, `{"original": "present"}`)
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	_, err := c.Call(context.Background(), DefaultPurpose, "prompt", Schema{
		"original":  KindString,
		"imitation": KindString,
	})
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestCall_EmptyResponse(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondContent(w, "   ")
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	_, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestCall_ResponseFormatFallback(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(n int, w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, hasFormat := body["response_format"]; hasFormat {
			respondError(w, http.StatusBadRequest, "response_format is not supported for this model")
			return
		}
		respondContent(w, `{"ok": true}`)
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	result, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 2, f.callCount("sk-key-1-0000000"))
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	r := c.Resolve("quality")
	assert.Equal(t, "test-model-strict", r.Model)

	r = c.Resolve("nonexistent-purpose")
	assert.Equal(t, "test-model", r.Model)
}

func TestCall_ConcurrencyLimiterBoundsInFlight(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		respondContent(w, `{"ok": true}`)
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"}, WithMaxConcurrent(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), DefaultPurpose, "prompt", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestParseLoose(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"strict object", `{"a": 1}`, false},
		{"fenced", "```json\n{\"a\": 1}\n```", false},
		{"trailing comma", `{"a": 1,}`, false},
		{"single quotes", `{'a': 1}`, false},
		{"empty", "", true},
		{"prose only", "I could not produce JSON today.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseLoose(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-dead-000000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusForbidden, "organization_restricted")
	})

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})

	err := c.Probe(context.Background(), keypool.Key{ID: "groq-0", Secret: "sk-key-1-0000000", Provider: "groq"})
	assert.NoError(t, err)

	err = c.Probe(context.Background(), keypool.Key{ID: "groq-9", Secret: "sk-dead-000000000", Provider: "groq"})
	require.Error(t, err)
	assert.Equal(t, keypool.ClassAuth, keypool.Classify(err))
}

func TestNormalizeAPIError_IncludesStatus(t *testing.T) {
	f := newFakeProvider()
	defer f.close()

	f.on("sk-key-1-0000000", func(_ int, w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusTooManyRequests, "slow down")
	})

	// Two keys so rotation happens; cancel quickly to stop the loop.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	c, _ := newTestClient(t, f, []string{"sk-key-1-0000000"})
	_, err := c.Call(ctx, DefaultPurpose, "prompt", nil)
	require.Error(t, err)
	// Either the context expired mid-wait or the wrapped provider error
	// carries the status; both indicate the 429 was seen and classified.
	assert.GreaterOrEqual(t, f.callCount("sk-key-1-0000000"), 1)
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{
		"name":  KindString,
		"score": KindNumber,
		"tags":  KindList,
		"map":   KindObject,
	}

	good := map[string]any{
		"name":  "x",
		"score": 3.0,
		"tags":  []any{"a"},
		"map":   map[string]any{"k": "v"},
	}
	assert.NoError(t, s.Validate(good))

	bad := map[string]any{"name": "", "score": 3.0, "tags": []any{}, "map": map[string]any{}}
	assert.ErrorIs(t, s.Validate(bad), ErrSchemaViolation)

	missing := map[string]any{"name": "x"}
	assert.ErrorIs(t, s.Validate(missing), ErrSchemaViolation)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcde...", truncate(fmt.Sprintf("%s", "abcdefgh"), 5))
}
