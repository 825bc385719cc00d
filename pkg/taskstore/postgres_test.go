package taskstore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedlearn/shadowwriter/pkg/models"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
	"github.com/tedlearn/shadowwriter/test/util"
)

func setupPostgres(t *testing.T) *taskstore.PostgresStore {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	return taskstore.NewPostgresStore(db)
}

func TestPostgresStore_TaskLifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	task := &models.Task{ID: "task-1"}
	require.NoError(t, s.Create(ctx, task))
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())

	status := models.TaskStatusParsing
	step := "提取字幕 (1/1)"
	got, err := s.Update(ctx, "task-1", models.TaskPatch{
		Status:      &status,
		CurrentStep: &step,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusParsing, got.Status)
	assert.Equal(t, step, got.CurrentStep)
	assert.Equal(t, 10, got.Progress)

	result := json.RawMessage(`{"chunks":[{"original":"hello"}]}`)
	status = models.TaskStatusCompleted
	got, err = s.Update(ctx, "task-1", models.TaskPatch{Status: &status, Result: result})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, string(result), string(got.Result))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "task-1"))
	_, err = s.Get(ctx, "task-1")
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "task-1"), taskstore.ErrTaskNotFound)
}

func TestPostgresStore_CounterExactUnderConcurrency(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	task := &models.Task{ID: "task-1", Status: models.TaskStatusProcessing}
	require.NoError(t, s.Create(ctx, task))

	const n = 20
	_, err := s.SetChunkTotals(ctx, "task-1", n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementCompletedChunks(ctx, "task-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, n, got.CompletedChunks)
	assert.Equal(t, 80, got.Progress)
}

func TestPostgresStore_ProgressMonotonic(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	task := &models.Task{ID: "task-1"}
	require.NoError(t, s.Create(ctx, task))

	quality := models.TaskStatusQualityCheck
	_, err := s.Update(ctx, "task-1", models.TaskPatch{Status: &quality})
	require.NoError(t, err)

	parsing := models.TaskStatusParsing
	got, err := s.Update(ctx, "task-1", models.TaskPatch{Status: &parsing})
	require.NoError(t, err)
	assert.Equal(t, 80, got.Progress)
}

func TestPostgresStore_History(t *testing.T) {
	s := setupPostgres(t)
	h := s.History()
	ctx := context.Background()

	rec := &models.HistoryRecord{
		ID:         "hist-1",
		TaskID:     "task-1",
		TedTitle:   "Do schools kill creativity?",
		TedSpeaker: "Ken Robinson",
		TedURL:     "https://www.ted.com/talks/sir_ken_robinson_do_schools_kill_creativity",
		Result:     json.RawMessage(`{"chunks":[]}`),
		Status:     "completed",
	}
	require.NoError(t, h.Insert(ctx, rec))
	assert.False(t, rec.LearnedAt.IsZero())

	got, err := h.Get(ctx, "hist-1")
	require.NoError(t, err)
	assert.Equal(t, "Ken Robinson", got.TedSpeaker)

	list, err := h.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, h.Delete(ctx, "hist-1"))
	_, err = h.Get(ctx, "hist-1")
	assert.ErrorIs(t, err, taskstore.ErrRecordNotFound)
}
