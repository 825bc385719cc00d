// Package orchestrator drives task processing end to end: chunk the
// transcript, fan one chunk pipeline out per chunk, join the results,
// and finalize the task record, publishing progress events throughout.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tedlearn/shadowwriter/pkg/chunker"
	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/models"
	"github.com/tedlearn/shadowwriter/pkg/pipeline"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
	"github.com/tedlearn/shadowwriter/pkg/transcript"
)

// DefaultOverallTimeout bounds one whole task run.
const DefaultOverallTimeout = 600 * time.Second

// TranscriptFetcher retrieves a talk transcript for a URL. Batch
// processing depends on this interface only; the concrete fetcher is an
// external collaborator injected at startup.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, url string) (*transcript.Document, error)
}

// Orchestrator coordinates the chunk fan-out for each task. One
// instance serves all tasks; per-task state is limited to the
// cancellation registry.
type Orchestrator struct {
	store          taskstore.Store
	history        taskstore.HistoryStore
	bus            *events.Bus
	chunker        *chunker.Chunker
	pipe           *pipeline.Pipeline
	fetcher        TranscriptFetcher
	overallTimeout time.Duration
	log            *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory enables learning-history writes on task completion.
func WithHistory(h taskstore.HistoryStore) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithFetcher enables batch URL processing.
func WithFetcher(f TranscriptFetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithOverallTimeout overrides the whole-task deadline.
func WithOverallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.overallTimeout = d }
}

// New returns an orchestrator wired to the given collaborators.
func New(store taskstore.Store, bus *events.Bus, ck *chunker.Chunker, pipe *pipeline.Pipeline, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		bus:            bus,
		chunker:        ck,
		pipe:           pipe,
		overallTimeout: DefaultOverallTimeout,
		log:            slog.With("component", "orchestrator"),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessTranscript runs one transcript task to a terminal state. It
// blocks until the task completes or fails; callers run it in its own
// goroutine.
func (o *Orchestrator) ProcessTranscript(ctx context.Context, taskID string, doc *transcript.Document) error {
	ctx, cancel := context.WithTimeout(ctx, o.overallTimeout)
	o.register(taskID, cancel)
	defer o.release(taskID)

	log := o.log.With("task_id", taskID)
	log.Info("Task processing started", "title", doc.Title, "transcript_chars", len(doc.Text))

	o.bus.Publish(taskID, events.TypeStarted, map[string]any{
		"message": "开始处理文件",
	})
	o.patchTask(taskID, models.TaskStatusParsing, "解析文件")

	o.patchTask(taskID, models.TaskStatusChunking, "语义分块")
	chunks := o.chunker.Split(doc.Text)
	if len(chunks) == 0 {
		return o.failTask(taskID, "transcript produced no chunks")
	}

	artifacts, errs := o.processChunks(ctx, taskID, chunks)

	if ctx.Err() != nil {
		log.Warn("Task canceled or timed out", "error", ctx.Err())
		return o.failTask(taskID, fmt.Sprintf("task aborted: %v", ctx.Err()))
	}

	o.bus.Publish(taskID, events.TypeChunkingCompleted, map[string]any{
		"total_chunks": len(artifacts),
		"message":      fmt.Sprintf("语义分块和并行处理完成，共生成 %d 个结果", len(artifacts)),
	})

	if len(artifacts) == 0 {
		return o.failTask(taskID, fmt.Sprintf("all %d chunks failed: %s", len(chunks), firstError(errs)))
	}

	o.patchTask(taskID, models.TaskStatusQualityCheck, "质量检查")

	raw, err := json.Marshal(buildResult(artifacts, errs))
	if err != nil {
		return o.failTask(taskID, fmt.Sprintf("failed to encode result: %v", err))
	}

	status := models.TaskStatusCompleted
	step := "完成"
	if _, err := o.store.Update(ctx, taskID, models.TaskPatch{
		Status:      &status,
		CurrentStep: &step,
		Result:      raw,
	}); err != nil {
		log.Error("Failed to finalize task record", "error", err)
		return o.failTask(taskID, fmt.Sprintf("failed to store result: %v", err))
	}

	o.writeHistory(ctx, taskID, doc, raw)

	o.bus.Publish(taskID, events.TypeCompleted, map[string]any{
		"result_count": len(artifacts),
		"total_chunks": len(chunks),
	})
	log.Info("Task completed", "artifacts", len(artifacts), "failed_chunks", len(errs))
	return nil
}

// processChunks fans one pipeline out per chunk and joins the results.
// Each worker writes only its own slot; artifacts are merged at the
// join so aggregation is order-independent.
func (o *Orchestrator) processChunks(ctx context.Context, taskID string, chunks []models.Chunk) ([]*models.ShadowArtifact, []string) {
	if _, err := o.store.SetChunkTotals(ctx, taskID, len(chunks)); err != nil {
		return nil, []string{fmt.Sprintf("failed to record chunk totals: %v", err)}
	}
	o.patchTask(taskID, models.TaskStatusProcessing, "生成Shadow Writing")

	o.bus.Publish(taskID, events.TypeSemanticChunksCompleted, map[string]any{
		"total_chunks": len(chunks),
	})
	o.bus.Publish(taskID, events.TypeChunksProcessingStarted, map[string]any{
		"total_chunks": len(chunks),
	})

	results := make([]*pipeline.Result, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk models.Chunk) {
			defer wg.Done()
			res := o.pipe.Run(ctx, chunk)
			results[i] = res
			if res.State != pipeline.StateFinalized {
				return
			}

			task, err := o.store.IncrementCompletedChunks(ctx, taskID)
			if err != nil {
				o.log.Error("Failed to increment chunk counter", "task_id", taskID, "error", err)
				return
			}
			o.bus.Publish(taskID, events.TypeChunkCompleted, map[string]any{
				"chunk_id":         chunk.ID,
				"result":           res.Artifact,
				"total_chunks":     task.TotalChunks,
				"completed_chunks": task.CompletedChunks,
			})
		}(i, chunk)
	}
	wg.Wait()

	var artifacts []*models.ShadowArtifact
	var errs []string
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.State == pipeline.StateFinalized {
			artifacts = append(artifacts, res.Artifact)
		} else if res.Err != nil {
			errs = append(errs, fmt.Sprintf("chunk %d: %v", res.Chunk.ID, res.Err))
		}
	}
	return artifacts, errs
}

// SupportsBatch reports whether a transcript fetcher is configured.
func (o *Orchestrator) SupportsBatch() bool {
	return o.fetcher != nil
}

// Cancel aborts an in-flight task. Returns false when the task is not
// currently running.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the task has an active run.
func (o *Orchestrator) Running(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[taskID]
	return ok
}

func (o *Orchestrator) register(taskID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	delete(o.cancels, taskID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// patchTask applies a status/step transition, logging rather than
// failing on store errors: progress bookkeeping must not kill a run.
func (o *Orchestrator) patchTask(taskID string, status models.TaskStatus, step string) {
	if _, err := o.store.Update(context.Background(), taskID, models.TaskPatch{
		Status:      &status,
		CurrentStep: &step,
	}); err != nil {
		o.log.Error("Failed to update task", "task_id", taskID, "status", status, "error", err)
	}
}

// failTask transitions the task to Failed and emits the single
// terminal failed event.
func (o *Orchestrator) failTask(taskID, reason string) error {
	status := models.TaskStatusFailed
	step := "失败"
	if _, err := o.store.Update(context.Background(), taskID, models.TaskPatch{
		Status:      &status,
		CurrentStep: &step,
		Error:       &reason,
	}); err != nil {
		o.log.Error("Failed to mark task failed", "task_id", taskID, "error", err)
	}
	o.bus.Publish(taskID, events.TypeFailed, map[string]any{
		"message": reason,
	})
	return fmt.Errorf("task %s failed: %s", taskID, reason)
}

// writeHistory records the completed learning session. Best-effort:
// a history failure never fails the task.
func (o *Orchestrator) writeHistory(ctx context.Context, taskID string, doc *transcript.Document, result json.RawMessage) {
	if o.history == nil {
		return
	}
	rec := &models.HistoryRecord{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		TedTitle:    doc.Title,
		TedSpeaker:  doc.Speaker,
		TedURL:      doc.URL,
		TedDuration: doc.Duration,
		TedViews:    doc.Views,
		Result:      result,
		Transcript:  doc.Text,
		Status:      string(models.TaskStatusCompleted),
	}
	if err := o.history.Insert(ctx, rec); err != nil {
		o.log.Error("Failed to write learning history", "task_id", taskID, "error", err)
	}
}

func buildResult(artifacts []*models.ShadowArtifact, errs []string) map[string]any {
	result := map[string]any{
		"chunks":       artifacts,
		"result_count": len(artifacts),
	}
	if len(errs) > 0 {
		result["errors"] = errs
	}
	return result
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "no chunk produced an artifact"
	}
	return errs[0]
}
