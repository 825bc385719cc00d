package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
)

// StreamProgressWS mirrors the SSE progress stream over WebSocket for
// clients behind proxies that buffer SSE. Each message is one event in
// the same wire shape as the SSE data line; resume uses the
// last_event_id query parameter.
func (s *Server) StreamProgressWS(c *gin.Context) {
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

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	connected := events.Event{
		TaskID:  taskID,
		Type:    events.TypeConnected,
		Payload: map[string]any{"task_id": taskID, "status": string(task.Status)},
	}
	if err := conn.Write(ctx, websocket.MessageText, connected.MarshalData()); err != nil {
		return
	}

	err = s.streamEvents(ctx, taskID, c.Query("last_event_id"),
		func(e events.Event) error {
			if err := conn.Write(ctx, websocket.MessageText, e.MarshalData()); err != nil {
				return err
			}
			if events.Terminal(e.Type) {
				return errStreamDone
			}
			return nil
		},
		func() error {
			return conn.Ping(ctx)
		})
	if err != nil && !errors.Is(err, errStreamDone) && !errors.Is(err, context.Canceled) {
		s.log.Debug("WebSocket stream ended", "task_id", taskID, "error", err)
	}
}
