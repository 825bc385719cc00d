package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/tedlearn/shadowwriter/pkg/api"
	"github.com/tedlearn/shadowwriter/pkg/chunker"
	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/keypool"
	"github.com/tedlearn/shadowwriter/pkg/llm"
	"github.com/tedlearn/shadowwriter/pkg/monitor"
	"github.com/tedlearn/shadowwriter/pkg/orchestrator"
	"github.com/tedlearn/shadowwriter/pkg/pipeline"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
)

// harness is one in-process service instance backed by a mock LLM
// provider over real HTTP.
type harness struct {
	t        *testing.T
	mock     *mockLLM
	srv      *httptest.Server
	store    *taskstore.MemoryStore
	bus      *events.Bus
	registry *monitor.Registry
	client   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mock := newMockLLM()
	t.Cleanup(mock.Close)

	registry := monitor.NewRegistry()
	pools, err := keypool.NewManager(map[string][]string{
		"mock": {"test-key-alpha-0001", "test-key-bravo-0002"},
	}, registry, keypool.WithCooldowns(keypool.CooldownConfig{
		RateLimitCap:  50 * time.Millisecond,
		TransientBase: 10 * time.Millisecond,
		TransientCap:  50 * time.Millisecond,
	}))
	require.NoError(t, err)

	llmClient, err := llm.NewClient(
		map[string]llm.ProviderSettings{
			"mock": {Name: "mock", BaseURL: mock.URL(), Model: "mock-model"},
		},
		map[string]llm.Route{
			"default": {Provider: "mock"},
		},
		pools,
		llm.WithCallTimeout(10*time.Second),
		llm.WithMaxConcurrent(3),
	)
	require.NoError(t, err)

	store := taskstore.NewMemoryStore()
	bus := events.NewBus()
	pipe := pipeline.New(llmClient, pipeline.WithStageTimeout(15*time.Second))
	orch := orchestrator.New(store, bus, chunker.New(), pipe,
		orchestrator.WithHistory(store.History()),
		orchestrator.WithOverallTimeout(30*time.Second))

	apiServer := api.NewServer(store, orch, bus,
		api.WithHistory(store.History()),
		api.WithRegistry(registry),
		api.WithStreamIntervals(10*time.Millisecond, time.Hour),
		api.WithTerminalGrace(500*time.Millisecond))

	srv := httptest.NewServer(apiServer.Router())
	t.Cleanup(srv.Close)

	return &harness{
		t:        t,
		mock:     mock,
		srv:      srv,
		store:    store,
		bus:      bus,
		registry: registry,
		client:   srv.Client(),
	}
}

// uploadTranscript posts a transcript file and returns the task ID.
func (h *harness) uploadTranscript(content string) string {
	h.t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "talk.txt")
	require.NoError(h.t, err)
	_, err = part.Write([]byte(content))
	require.NoError(h.t, err)
	require.NoError(h.t, w.Close())

	resp, err := h.client.Post(h.srv.URL+"/api/tasks", w.FormDataContentType(), &body)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)

	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(h.t, jsonDecode(resp, &created))
	require.NotEmpty(h.t, created.TaskID)
	return created.TaskID
}

// waitTerminal polls the task endpoint until the task reaches a
// terminal status.
func (h *harness) waitTerminal(taskID string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		task, err := h.store.Get(context.Background(), taskID)
		return err == nil && task.Status.Terminal()
	}, 20*time.Second, 25*time.Millisecond)
}

// sseEvent is one parsed SSE frame.
type sseEvent struct {
	ID   string
	Type string
	Data string
}

// readSSE consumes the stream until a terminal event, the predicate
// stops it, or the context ends.
func (h *harness) readSSE(ctx context.Context, taskID, lastEventID string, stop func(sseEvent) bool) []sseEvent {
	h.t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.srv.URL+"/api/progress/"+taskID, nil)
	require.NoError(h.t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)

	var seen []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.Type == "" {
				continue
			}
			seen = append(seen, cur)
			if stop != nil && stop(cur) {
				return seen
			}
			if cur.Type == "completed" || cur.Type == "failed" {
				return seen
			}
			cur = sseEvent{}
		}
	}
	return seen
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
