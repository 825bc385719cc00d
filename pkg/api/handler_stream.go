package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/models"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
)

// DefaultTerminalGrace is how long the stream keeps polling for the
// terminal event after the store already shows a terminal status. The
// publish trails the store write by milliseconds; past the grace the
// stream synthesizes the terminal event from the task record instead.
const DefaultTerminalGrace = 2 * time.Second

// errStreamDone signals a clean end of stream from the send callback.
var errStreamDone = errors.New("stream done")

// StreamProgress is the SSE progress endpoint. It emits a synthetic
// connected event, replays retained events after the client's
// Last-Event-ID, then polls for new ones until a terminal event closes
// the stream. Reconnecting clients resume from the last ID they saw.
func (s *Server) StreamProgress(c *gin.Context) {
	taskID := c.Param("id")
	task, err := s.store.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}

	lastID := c.GetHeader("Last-Event-ID")
	if lastID == "" {
		lastID = c.Query("last_event_id")
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	writeSSE(c, events.Event{
		TaskID:  taskID,
		Type:    events.TypeConnected,
		Payload: map[string]any{"task_id": taskID, "status": string(task.Status)},
	})

	err = s.streamEvents(c.Request.Context(), taskID, lastID,
		func(e events.Event) error {
			writeSSE(c, e)
			if events.Terminal(e.Type) {
				return errStreamDone
			}
			return nil
		},
		func() error {
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
			return nil
		})
	if err != nil && !errors.Is(err, errStreamDone) && !errors.Is(err, context.Canceled) {
		s.log.Debug("SSE stream ended", "task_id", taskID, "error", err)
	}
}

// streamEvents drives one progress stream: replay after lastID, then
// poll. Shared by the SSE and WebSocket endpoints; send returning
// errStreamDone ends the stream cleanly.
func (s *Server) streamEvents(ctx context.Context, taskID, lastID string, send func(events.Event) error, heartbeat func() error) error {
	poll := time.NewTicker(s.poll)
	defer poll.Stop()
	beat := time.NewTicker(s.heartbeat)
	defer beat.Stop()

	var terminalSeen time.Time

	for {
		for _, e := range s.bus.Fetch(taskID, lastID) {
			lastID = e.ID
			if err := send(e); err != nil {
				return err
			}
		}

		// The task record turning terminal with no terminal event in the
		// queue means the event was evicted (or the stream outlived the
		// grace). Synthesize the terminal event from the record.
		task, err := s.store.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, taskstore.ErrTaskNotFound) {
				return errStreamDone
			}
			return err
		}
		if task.Status.Terminal() {
			if terminalSeen.IsZero() {
				terminalSeen = time.Now()
			} else if time.Since(terminalSeen) > s.grace {
				if err := send(synthesizeTerminal(task)); err != nil {
					return err
				}
				return errStreamDone
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		case <-beat.C:
			if err := heartbeat(); err != nil {
				return err
			}
		}
	}
}

// synthesizeTerminal builds a terminal event from the task record for
// streams that missed the real one.
func synthesizeTerminal(task *models.Task) events.Event {
	e := events.Event{
		TaskID:  task.ID,
		Type:    events.TypeCompleted,
		Payload: map[string]any{"task_id": task.ID, "progress": task.Progress},
	}
	if task.Status == models.TaskStatusFailed {
		e.Type = events.TypeFailed
		e.Payload["message"] = task.Error
	}
	return e
}

// writeSSE writes one event in SSE wire format. Synthetic events carry
// no ID so they never disturb client resume positions.
func writeSSE(c *gin.Context, e events.Event) {
	w := c.Writer
	if e.ID != "" {
		fmt.Fprintf(w, "id: %s\n", e.ID)
	}
	fmt.Fprintf(w, "event: %s\n", e.Type)
	fmt.Fprintf(w, "data: %s\n\n", e.MarshalData())
	w.Flush()
}
