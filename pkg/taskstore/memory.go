package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tedlearn/shadowwriter/pkg/models"
)

// MemoryStore keeps tasks and history in process memory. Used by tests
// and by deployments that run without PostgreSQL; records do not
// survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*models.Task
	history map[string]*models.HistoryRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*models.Task),
		history: make(map[string]*models.HistoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	t.Progress = models.ComputeProgress(t.Status, t.CompletedChunks, t.TotalChunks)
	s.tasks[t.ID] = &t
	*task = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
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
	t.UpdatedAt = s.now()

	out := *t
	return &out, nil
}

func (s *MemoryStore) SetChunkTotals(_ context.Context, id string, total int) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	t.TotalChunks = total
	t.CompletedChunks = 0
	t.Progress = nextProgress(t.Progress, t.Status, t.CompletedChunks, t.TotalChunks)
	t.UpdatedAt = s.now()

	out := *t
	return &out, nil
}

func (s *MemoryStore) IncrementCompletedChunks(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	t.CompletedChunks++
	t.Progress = nextProgress(t.Progress, t.Status, t.CompletedChunks, t.TotalChunks)
	t.UpdatedAt = s.now()

	out := *t
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// History store methods.

func (s *MemoryStore) Insert(_ context.Context, rec *models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	now := s.now()
	if r.LearnedAt.IsZero() {
		r.LearnedAt = now
	}
	r.CreatedAt = now
	s.history[r.ID] = &r
	*rec = r
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.history[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, limit, offset int) ([]*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.HistoryRecord, 0, len(s.history))
	for _, r := range s.history {
		c := *r
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LearnedAt.After(all[j].LearnedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.history[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.history, id)
	return nil
}

// memoryHistory adapts MemoryStore's record methods to HistoryStore.
type memoryHistory struct {
	s *MemoryStore
}

// History returns the store's HistoryStore view.
func (s *MemoryStore) History() HistoryStore {
	return memoryHistory{s: s}
}

func (h memoryHistory) Insert(ctx context.Context, rec *models.HistoryRecord) error {
	return h.s.Insert(ctx, rec)
}

func (h memoryHistory) Get(ctx context.Context, id string) (*models.HistoryRecord, error) {
	return h.s.GetRecord(ctx, id)
}

func (h memoryHistory) List(ctx context.Context, limit, offset int) ([]*models.HistoryRecord, error) {
	return h.s.ListRecords(ctx, limit, offset)
}

func (h memoryHistory) Delete(ctx context.Context, id string) error {
	return h.s.DeleteRecord(ctx, id)
}
