package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/models"
)

// ErrNoFetcher is returned when batch processing is requested without a
// transcript fetcher configured.
var ErrNoFetcher = errors.New("no transcript fetcher configured")

// urlResult is one URL's slice of the batch result payload.
type urlResult struct {
	URL         string                   `json:"url"`
	TedInfo     map[string]any           `json:"ted_info"`
	Results     []*models.ShadowArtifact `json:"results"`
	ResultCount int                      `json:"result_count"`
}

// ProcessBatch runs one task over several talk URLs sequentially,
// fetching each transcript and running the chunk fan-out per URL. A
// failed URL is recorded and skipped; the task completes as long as the
// loop finishes.
func (o *Orchestrator) ProcessBatch(ctx context.Context, taskID string, urls []string) error {
	if o.fetcher == nil {
		return ErrNoFetcher
	}

	ctx, cancel := context.WithTimeout(ctx, o.overallTimeout)
	o.register(taskID, cancel)
	defer o.release(taskID)

	log := o.log.With("task_id", taskID)
	total := len(urls)
	log.Info("Batch processing started", "urls", total)

	o.patchBatch(taskID, models.TaskPatch{
		Status:      statusPtr(models.TaskStatusPending),
		CurrentStep: strPtr("准备处理"),
		Total:       intPtr(total),
	})
	o.bus.Publish(taskID, events.TypeStarted, map[string]any{
		"total":   total,
		"message": fmt.Sprintf("开始处理 %d 个TED演讲", total),
	})

	var collected []urlResult
	var failures []string

	for idx, url := range urls {
		if ctx.Err() != nil {
			return o.failTask(taskID, fmt.Sprintf("batch aborted: %v", ctx.Err()))
		}
		n := idx + 1

		o.patchBatch(taskID, models.TaskPatch{
			Status:      statusPtr(models.TaskStatusParsing),
			CurrentStep: strPtr(fmt.Sprintf("处理 (%d/%d): %s", n, total, truncateURL(url))),
			Current:     intPtr(idx),
			CurrentURL:  &url,
		})
		o.bus.Publish(taskID, events.TypeProgress, map[string]any{
			"current": n,
			"total":   total,
			"url":     url,
			"status":  fmt.Sprintf("Processing %d/%d", n, total),
		})

		o.bus.Publish(taskID, events.TypeStep, map[string]any{
			"current": n,
			"total":   total,
			"step":    events.StepExtractingTranscript,
			"url":     url,
			"message": fmt.Sprintf("正在提取字幕 (%d/%d)", n, total),
		})
		o.patchBatch(taskID, models.TaskPatch{
			CurrentStep: strPtr(fmt.Sprintf("提取字幕 (%d/%d)", n, total)),
		})

		doc, err := o.fetcher.Fetch(ctx, url)
		if err != nil || doc == nil || doc.Text == "" {
			if err == nil {
				err = errors.New("empty transcript")
			}
			failures = append(failures, o.recordURLFailure(taskID, n, total, url, err))
			continue
		}

		o.bus.Publish(taskID, events.TypeStep, map[string]any{
			"current": n,
			"total":   total,
			"step":    events.StepShadowWriting,
			"url":     url,
			"message": fmt.Sprintf("正在生成Shadow Writing (%d/%d)", n, total),
		})
		o.patchBatch(taskID, models.TaskPatch{
			CurrentStep: strPtr(fmt.Sprintf("生成Shadow Writing (%d/%d)", n, total)),
		})

		chunks := o.chunker.Split(doc.Text)
		if len(chunks) == 0 {
			failures = append(failures, o.recordURLFailure(taskID, n, total, url, errors.New("transcript produced no chunks")))
			continue
		}
		artifacts, chunkErrs := o.processChunks(ctx, taskID, chunks)
		if len(artifacts) == 0 {
			failures = append(failures, o.recordURLFailure(taskID, n, total, url,
				fmt.Errorf("all %d chunks failed: %s", len(chunks), firstError(chunkErrs))))
			continue
		}

		res := urlResult{
			URL: url,
			TedInfo: map[string]any{
				"title":             doc.Title,
				"speaker":           doc.Speaker,
				"url":               url,
				"transcript_length": len(doc.Text),
			},
			Results:     artifacts,
			ResultCount: len(artifacts),
		}
		collected = append(collected, res)
		o.writeBatchHistory(ctx, taskID, url, doc.Title, doc.Speaker, doc.Text, artifacts)

		o.patchBatch(taskID, models.TaskPatch{
			CurrentStep: strPtr(fmt.Sprintf("完成 (%d/%d): %s", n, total, truncateTitle(doc.Title))),
			Current:     intPtr(n),
		})
		o.bus.Publish(taskID, events.TypeURLCompleted, map[string]any{
			"current":      n,
			"total":        total,
			"url":          url,
			"result_count": len(artifacts),
			"message":      fmt.Sprintf("完成 (%d/%d): 生成 %d 个结果", n, total, len(artifacts)),
		})
	}

	if len(collected) == 0 {
		return o.failTask(taskID, fmt.Sprintf("all %d URLs failed: %s", total, firstError(failures)))
	}

	raw, err := json.Marshal(map[string]any{
		"results":    collected,
		"successful": len(collected),
		"failed":     len(failures),
		"errors":     failures,
	})
	if err != nil {
		return o.failTask(taskID, fmt.Sprintf("failed to encode batch result: %v", err))
	}
	o.patchBatch(taskID, models.TaskPatch{
		Status:      statusPtr(models.TaskStatusCompleted),
		CurrentStep: strPtr("全部完成"),
		Result:      raw,
	})
	o.bus.Publish(taskID, events.TypeCompleted, map[string]any{
		"total":      total,
		"successful": len(collected),
		"failed":     len(failures),
		"message":    fmt.Sprintf("全部完成: 成功 %d/%d", len(collected), total),
	})
	log.Info("Batch processing completed", "successful", len(collected), "failed", len(failures))
	return nil
}

// recordURLFailure logs and publishes one URL's failure without ending
// the batch.
func (o *Orchestrator) recordURLFailure(taskID string, n, total int, url string, err error) string {
	msg := fmt.Sprintf("Error processing %s: %v", url, err)
	o.log.Warn("Batch URL failed", "task_id", taskID, "url", url, "error", err)
	o.patchBatch(taskID, models.TaskPatch{
		CurrentStep: strPtr(fmt.Sprintf("失败 (%d/%d)", n, total)),
		Error:       &msg,
	})
	o.bus.Publish(taskID, events.TypeError, map[string]any{
		"current": n,
		"total":   total,
		"url":     url,
		"error":   msg,
	})
	return msg
}

func (o *Orchestrator) writeBatchHistory(ctx context.Context, taskID, url, title, speaker, text string, artifacts []*models.ShadowArtifact) {
	if o.history == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{"chunks": artifacts})
	if err != nil {
		return
	}
	rec := &models.HistoryRecord{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		TedTitle:   title,
		TedSpeaker: speaker,
		TedURL:     url,
		Result:     raw,
		Transcript: text,
		Status:     string(models.TaskStatusCompleted),
	}
	if err := o.history.Insert(ctx, rec); err != nil {
		o.log.Error("Failed to write learning history", "task_id", taskID, "url", url, "error", err)
	}
}

// patchBatch applies a patch, logging store errors.
func (o *Orchestrator) patchBatch(taskID string, patch models.TaskPatch) {
	if _, err := o.store.Update(context.Background(), taskID, patch); err != nil {
		o.log.Error("Failed to update task", "task_id", taskID, "error", err)
	}
}

func truncateURL(url string) string {
	if len(url) > 50 {
		return url[:50] + "..."
	}
	return url
}

func truncateTitle(title string) string {
	if len(title) > 30 {
		return title[:30] + "..."
	}
	return title
}

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }
func strPtr(s string) *string                          { return &s }
func intPtr(i int) *int                                { return &i }
