package events

import (
	"encoding/json"
	"time"
)

// Event is one progress notification on a task's queue.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Data returns the flattened wire object: payload fields plus type and
// timestamp, the shape clients consume from the SSE data line.
func (e Event) Data() map[string]any {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return out
}

// MarshalData serializes the wire object. If the payload cannot be
// marshaled, a minimal envelope with the type and ID is sent instead.
func (e Event) MarshalData() []byte {
	b, err := json.Marshal(e.Data())
	if err != nil {
		b, _ = json.Marshal(map[string]string{"type": e.Type, "id": e.ID})
	}
	return b
}
