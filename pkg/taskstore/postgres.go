package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tedlearn/shadowwriter/pkg/models"
)

const taskColumns = `id, status, current_step, current_item, total_items, current_url,
	result, error, progress, total_chunks, completed_chunks, created_at, updated_at`

// PostgresStore implements Store and HistoryStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. Migrations must already be
// applied (database.NewClient does this on startup).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, task *models.Task) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	task.Progress = models.ComputeProgress(task.Status, task.CompletedChunks, task.TotalChunks)

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, status, current_step, current_item, total_items,
			current_url, result, error, progress, total_chunks, completed_chunks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		task.ID, task.Status, task.CurrentStep, task.Current, task.Total,
		task.CurrentURL, nullableJSON(task.Result), task.Error, task.Progress,
		task.TotalChunks, task.CompletedChunks,
	)
	if err := row.Scan(&task.CreatedAt, &task.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update applies the patch inside a transaction with a row lock, so the
// recomputed progress is derived from a consistent snapshot.
func (s *PostgresStore) Update(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.CurrentStep != nil {
		t.CurrentStep = *patch.CurrentStep
	}
	if patch.Current != nil {
		t.Current = *patch.Current
	}
	if patch.Total != nil {
		t.Total = *patch.Total
	}
	if patch.CurrentURL != nil {
		t.CurrentURL = *patch.CurrentURL
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	t.Progress = nextProgress(t.Progress, t.Status, t.CompletedChunks, t.TotalChunks)

	row = tx.QueryRowContext(ctx, `
		UPDATE tasks SET status = $2, current_step = $3, current_item = $4,
			total_items = $5, current_url = $6, result = $7, error = $8,
			progress = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		id, t.Status, t.CurrentStep, t.Current, t.Total, t.CurrentURL,
		nullableJSON(t.Result), t.Error, t.Progress,
	)
	if err := row.Scan(&t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) SetChunkTotals(ctx context.Context, id string, total int) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET total_chunks = $2, completed_chunks = 0, updated_at = NOW()
		WHERE id = $1
		RETURNING `+taskColumns,
		id, total,
	)
	return scanTask(row)
}

// IncrementCompletedChunks bumps the counter in a single UPDATE so
// concurrent chunk workers never lose an increment. Progress is
// recomputed in the same statement and clamped monotonic with GREATEST.
func (s *PostgresStore) IncrementCompletedChunks(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET
			completed_chunks = completed_chunks + 1,
			progress = GREATEST(progress, CASE
				WHEN status = 'processing' AND total_chunks > 0
				THEN 20 + (60 * LEAST(completed_chunks + 1, total_chunks)) / total_chunks
				ELSE progress
			END),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+taskColumns,
		id,
	)
	return scanTask(row)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// History store methods.

const historyColumns = `id, task_id, ted_title, ted_speaker, ted_url, ted_duration,
	ted_views, result, transcript, status, core_arguments, learned_at, created_at`

func (s *PostgresStore) Insert(ctx context.Context, rec *models.HistoryRecord) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learning_history (id, task_id, ted_title, ted_speaker, ted_url,
			ted_duration, ted_views, result, transcript, status, core_arguments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING learned_at, created_at`,
		rec.ID, rec.TaskID, rec.TedTitle, rec.TedSpeaker, rec.TedURL,
		rec.TedDuration, rec.TedViews, nullableJSON(rec.Result), rec.Transcript,
		rec.Status, rec.CoreArguments,
	)
	if err := row.Scan(&rec.LearnedAt, &rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM learning_history WHERE id = $1`, id)
	return scanHistory(row)
}

func (s *PostgresStore) ListRecords(ctx context.Context, limit, offset int) ([]*models.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM learning_history
		 ORDER BY learned_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*models.HistoryRecord
	for rows.Next() {
		r, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM learning_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// postgresHistory adapts PostgresStore's record methods to HistoryStore.
type postgresHistory struct {
	s *PostgresStore
}

// History returns the store's HistoryStore view.
func (s *PostgresStore) History() HistoryStore {
	return postgresHistory{s: s}
}

func (h postgresHistory) Insert(ctx context.Context, rec *models.HistoryRecord) error {
	return h.s.Insert(ctx, rec)
}

func (h postgresHistory) Get(ctx context.Context, id string) (*models.HistoryRecord, error) {
	return h.s.GetRecord(ctx, id)
}

func (h postgresHistory) List(ctx context.Context, limit, offset int) ([]*models.HistoryRecord, error) {
	return h.s.ListRecords(ctx, limit, offset)
}

func (h postgresHistory) Delete(ctx context.Context, id string) error {
	return h.s.DeleteRecord(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var result sql.Null[[]byte]
	err := row.Scan(
		&t.ID, &t.Status, &t.CurrentStep, &t.Current, &t.Total, &t.CurrentURL,
		&result, &t.Error, &t.Progress, &t.TotalChunks, &t.CompletedChunks,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if result.Valid {
		t.Result = result.V
	}
	return &t, nil
}

func scanHistory(row rowScanner) (*models.HistoryRecord, error) {
	var r models.HistoryRecord
	var result sql.Null[[]byte]
	err := row.Scan(
		&r.ID, &r.TaskID, &r.TedTitle, &r.TedSpeaker, &r.TedURL, &r.TedDuration,
		&r.TedViews, &result, &r.Transcript, &r.Status, &r.CoreArguments,
		&r.LearnedAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan history record: %w", err)
	}
	if result.Valid {
		r.Result = result.V
	}
	return &r, nil
}

// nullableJSON maps an empty payload to SQL NULL so the JSONB column
// stays NULL until a result exists.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
