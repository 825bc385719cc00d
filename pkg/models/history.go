package models

import (
	"encoding/json"
	"time"
)

// HistoryRecord is one completed learning session: the transcript that
// was processed and the full artifact set produced for it. Written once,
// atomically, when a task completes.
type HistoryRecord struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	TedTitle      string          `json:"ted_title,omitempty"`
	TedSpeaker    string          `json:"ted_speaker,omitempty"`
	TedURL        string          `json:"ted_url,omitempty"`
	TedDuration   string          `json:"ted_duration,omitempty"`
	TedViews      string          `json:"ted_views,omitempty"`
	Result        json.RawMessage `json:"result"`
	Transcript    string          `json:"transcript,omitempty"`
	Status        string          `json:"status"`
	CoreArguments string          `json:"core_arguments,omitempty"`
	LearnedAt     time.Time       `json:"learned_at"`
	CreatedAt     time.Time       `json:"created_at"`
}
