package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/models"
)

func publishRun(env *testEnv, taskID string) []events.Event {
	published := []events.Event{
		env.bus.Publish(taskID, events.TypeStarted, map[string]any{"message": "开始处理文件"}),
		env.bus.Publish(taskID, events.TypeSemanticChunksCompleted, map[string]any{"total_chunks": 1}),
		env.bus.Publish(taskID, events.TypeChunkCompleted, map[string]any{"chunk_id": 0}),
		env.bus.Publish(taskID, events.TypeCompleted, map[string]any{"result_count": 1}),
	}
	return published
}

func completeTask(t *testing.T, env *testEnv, taskID string) {
	t.Helper()
	require.NoError(t, env.store.Create(context.Background(), &models.Task{ID: taskID}))
	status := models.TaskStatusCompleted
	_, err := env.store.Update(context.Background(), taskID, models.TaskPatch{Status: &status})
	require.NoError(t, err)
}

func TestStreamProgress_ReplaysAndCloses(t *testing.T) {
	env := newTestEnv(t)
	completeTask(t, env, "task-1")
	published := publishRun(env, "task-1")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/task-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: chunk_completed")
	assert.Contains(t, body, "event: completed")
	for _, e := range published {
		assert.Contains(t, body, "id: "+e.ID)
	}

	// The stream must end at the terminal event.
	assert.Equal(t, 1, strings.Count(body, "event: completed"))
}

func TestStreamProgress_ResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t)
	completeTask(t, env, "task-1")
	published := publishRun(env, "task-1")

	req := httptest.NewRequest(http.MethodGet, "/api/progress/task-1", nil)
	req.Header.Set("Last-Event-ID", published[1].ID)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, "event: started")
	assert.NotContains(t, body, "id: "+published[0].ID)
	assert.Contains(t, body, "event: chunk_completed")
	assert.Contains(t, body, "event: completed")
}

func TestStreamProgress_QueryParamResume(t *testing.T) {
	env := newTestEnv(t)
	completeTask(t, env, "task-1")
	published := publishRun(env, "task-1")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/progress/task-1?last_event_id="+published[2].ID, nil))

	body := rec.Body.String()
	assert.NotContains(t, body, "event: chunk_completed")
	assert.Contains(t, body, "event: completed")
}

func TestStreamProgress_UnknownTask(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamProgress_SynthesizesTerminalAfterEviction(t *testing.T) {
	env := newTestEnv(t, WithTerminalGrace(20*time.Millisecond))
	completeTask(t, env, "task-1")
	// No events on the queue: the run's events were already evicted.

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/task-1", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: completed")
}

func TestStreamProgress_LiveEvents(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Create(context.Background(), &models.Task{ID: "task-1"}))

	done := make(chan string, 1)
	go func() {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/task-1", nil))
		done <- rec.Body.String()
	}()

	time.Sleep(30 * time.Millisecond)
	env.bus.Publish("task-1", events.TypeStarted, nil)
	env.bus.Publish("task-1", events.TypeFailed, map[string]any{"message": "boom"})

	select {
	case body := <-done:
		assert.Contains(t, body, "event: started")
		assert.Contains(t, body, "event: failed")
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close on terminal event")
	}
}

func TestStreamProgressWS(t *testing.T) {
	env := newTestEnv(t)
	completeTask(t, env, "task-1")
	publishRun(env, "task-1")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/progress/task-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var seen []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		seen = append(seen, string(data))
	}

	require.NotEmpty(t, seen)
	assert.Contains(t, seen[0], `"type":"connected"`)
	assert.Contains(t, seen[len(seen)-1], `"type":"completed"`)
}
