package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// mockLLM is an OpenAI-compatible chat-completions backend scripted for
// the shadow-writing pipeline. It inspects the prompt to tell the
// generation, quality, and correction calls apart and can inject 429s
// to exercise key rotation.
type mockLLM struct {
	srv *httptest.Server

	mu          sync.Mutex
	calls       int
	rateLimited int    // remaining requests to reject with 429
	keysSeen    map[string]int
	holdCh      chan struct{} // non-nil: generation calls block until closed
}

type chatRequest struct {
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

func newMockLLM() *mockLLM {
	m := &mockLLM{keysSeen: make(map[string]int)}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockLLM) URL() string { return m.srv.URL + "/v1" }

func (m *mockLLM) Close() { m.srv.Close() }

// rateLimitNext makes the next n requests fail with 429.
func (m *mockLLM) rateLimitNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited = n
}

// holdGenerations blocks generation calls until the returned release
// function is called.
func (m *mockLLM) holdGenerations() func() {
	ch := make(chan struct{})
	m.mu.Lock()
	m.holdCh = ch
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockLLM) distinctKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keysSeen)
}

func (m *mockLLM) handle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.calls++
	m.keysSeen[key]++
	hold := m.holdCh
	limited := m.rateLimited > 0
	if limited {
		m.rateLimited--
	}
	m.mu.Unlock()

	if limited {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limit exceeded", "type": "tokens"}}`)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	prompt := req.Messages[0].Content

	var content string
	switch {
	case strings.Contains(prompt, "Quality Evaluator"):
		content = qualityResponse
	case strings.Contains(prompt, "improvement specialist"):
		content = correctionResponse
	default:
		if hold != nil {
			<-hold
		}
		content = generationResponse
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-ratelimit-remaining-requests", "99")
	resp := map[string]any{
		"id":    "chatcmpl-mock",
		"model": "mock-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// generationResponse is wrapped in a code fence to exercise the lenient
// JSON parsing path.
const generationResponse = "```json\n" + `{
  "original": "The city opened a new public library this week for all residents.",
  "imitation": "The town opened a new sports center this month for all young people.",
  "map": {
    "Location": ["city", "town"],
    "Facility": ["public library", "sports center"],
    "Time": ["this week", "this month"]
  }
}` + "\n```"

const qualityResponse = `{
  "step1_grammar": 3,
  "step2_content": 2,
  "step3_logic": 3,
  "step3_issues": [],
  "step4_topic": 2,
  "step5_learning": 1,
  "total_score": 11,
  "pass": true,
  "reasoning": "Structure preserved with a clean topic migration."
}`

const correctionResponse = `{
  "original": "The city opened a new public library this week for all residents.",
  "imitation": "The village opened a fine concert hall last month for music lovers.",
  "map": {
    "Place": ["city", "village"],
    "Venue": ["library", "concert hall"]
  }
}`
