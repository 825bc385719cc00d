// Package models defines the domain types shared across the service:
// tasks, chunks, shadow-writing artifacts, and quality verdicts.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a processing task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusParsing      TaskStatus = "parsing"
	TaskStatusChunking     TaskStatus = "chunking"
	TaskStatusProcessing   TaskStatus = "processing"
	TaskStatusQualityCheck TaskStatus = "quality_check"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
)

// Terminal reports whether the status is final. Terminal tasks never
// transition again and their progress is pinned at 100.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is the durable record for one transcript-processing run.
type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Current         int             `json:"current"`
	Total           int             `json:"total"`
	CurrentURL      string          `json:"current_url,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Progress        int             `json:"progress"`
	TotalChunks     int             `json:"total_chunks"`
	CompletedChunks int             `json:"completed_chunks"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ComputeProgress derives the user-visible progress percentage from the
// task state. It is a pure function; the store clamps stored progress so
// it never decreases within a task.
//
//	pending        →   0
//	parsing        →  10
//	chunking       →  20
//	processing     →  20 + 60 * completed/total
//	quality_check  →  80
//	completed      → 100
//	failed         → 100
func ComputeProgress(status TaskStatus, completedChunks, totalChunks int) int {
	switch status {
	case TaskStatusPending:
		return 0
	case TaskStatusParsing:
		return 10
	case TaskStatusChunking:
		return 20
	case TaskStatusProcessing:
		if totalChunks <= 0 {
			return 20
		}
		if completedChunks > totalChunks {
			completedChunks = totalChunks
		}
		return 20 + int(60*float64(completedChunks)/float64(totalChunks))
	case TaskStatusQualityCheck:
		return 80
	case TaskStatusCompleted, TaskStatusFailed:
		return 100
	default:
		return 0
	}
}

// TaskPatch is a partial update to a task record. Nil fields are left
// untouched. Progress is recomputed by the store from the patched state,
// never written directly by callers.
type TaskPatch struct {
	Status      *TaskStatus
	CurrentStep *string
	Current     *int
	Total       *int
	CurrentURL  *string
	Result      json.RawMessage
	Error       *string
}
