// Package taskstore persists task records and learning history. Two
// implementations exist: a PostgreSQL store for production and an
// in-memory store for tests and database-less deployments.
package taskstore

import (
	"context"
	"errors"

	"github.com/tedlearn/shadowwriter/pkg/models"
)

// ErrTaskNotFound is returned when the referenced task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrRecordNotFound is returned when a history record does not exist.
var ErrRecordNotFound = errors.New("history record not found")

// Store is the durable task repository. Implementations recompute the
// progress percentage on every write and clamp it so it never decreases
// within a task; terminal tasks are pinned at 100.
type Store interface {
	// Create inserts a new task. The caller provides the ID and status;
	// timestamps and progress are filled by the store.
	Create(ctx context.Context, task *models.Task) error

	// Get returns the task or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*models.Task, error)

	// List returns all tasks, newest first.
	List(ctx context.Context) ([]*models.Task, error)

	// Update applies a partial update and returns the resulting record.
	Update(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)

	// SetChunkTotals records the chunk count before fan-out begins and
	// resets the completed counter.
	SetChunkTotals(ctx context.Context, id string, total int) (*models.Task, error)

	// IncrementCompletedChunks atomically bumps the completed counter by
	// one and returns the resulting record. Safe to call from concurrent
	// chunk workers; N workers produce exactly N increments.
	IncrementCompletedChunks(ctx context.Context, id string) (*models.Task, error)

	// Delete removes the task or returns ErrTaskNotFound.
	Delete(ctx context.Context, id string) error
}

// HistoryStore is the learning-history repository.
type HistoryStore interface {
	Insert(ctx context.Context, rec *models.HistoryRecord) error
	Get(ctx context.Context, id string) (*models.HistoryRecord, error)
	List(ctx context.Context, limit, offset int) ([]*models.HistoryRecord, error)
	Delete(ctx context.Context, id string) error
}

// nextProgress recomputes progress from the task state, keeping the
// stored value monotonic.
func nextProgress(prev int, status models.TaskStatus, completed, total int) int {
	p := models.ComputeProgress(status, completed, total)
	if p < prev {
		return prev
	}
	return p
}
