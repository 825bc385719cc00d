// Package events is the per-task progress event bus.
//
// Each task owns a bounded ring of ordered events with strictly
// increasing IDs of the form "<task_id>_<unix_millis>". Consumers
// (the SSE and WebSocket endpoints) replay from a client-supplied
// Last-Event-ID and then poll for newer events; the fixed-width
// millisecond suffix makes plain string comparison a valid ordering.
//
// Queues are evicted by a background GC once idle longer than the TTL.
// Delivery is at-least-once across reconnects; replay by event ID keeps
// it idempotent for clients.
package events

// Event type values published on a task's queue.
const (
	// TypeConnected is synthetic: emitted to each new subscriber,
	// never stored on the queue.
	TypeConnected = "connected"

	// Task lifecycle.
	TypeStarted   = "started"
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeError     = "error"

	// Chunk pipeline milestones.
	TypeSemanticChunksCompleted = "semantic_chunks_completed"
	TypeChunksProcessingStarted = "chunks_processing_started"
	TypeChunkCompleted          = "chunk_completed"
	TypeChunkingCompleted       = "chunking_completed"

	// Batch URL processing.
	TypeStep         = "step"
	TypeURLCompleted = "url_completed"

	// TypeHeartbeat keeps idle streams alive; never stored.
	TypeHeartbeat = "heartbeat"
)

// Terminal reports whether an event type ends the stream for its task.
func Terminal(eventType string) bool {
	return eventType == TypeCompleted || eventType == TypeFailed
}

// Processing step names carried in "step" event payloads.
const (
	StepExtractingTranscript = "extracting_transcript"
	StepShadowWriting        = "shadow_writing"
	StepSaving               = "saving"
)
