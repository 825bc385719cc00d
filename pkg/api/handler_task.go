package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tedlearn/shadowwriter/pkg/models"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
	"github.com/tedlearn/shadowwriter/pkg/transcript"
)

// maxUploadBytes bounds a transcript upload; talks run a few hundred KB
// at most.
const maxUploadBytes = 10 << 20

// batchRequest is the JSON body for batch task creation.
type batchRequest struct {
	URLs []string `json:"urls" binding:"required,min=1"`
}

// CreateTask accepts a transcript file upload, creates a task, and
// starts processing in the background. The response returns immediately
// with the task ID; clients follow progress over SSE or WebSocket.
func (s *Server) CreateTask(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file upload required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	doc, err := transcript.Parse(string(content))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.Title == "" {
		doc.Title = fileHeader.Filename
	}

	taskID := uuid.NewString()
	if err := s.store.Create(c.Request.Context(), &models.Task{ID: taskID}); err != nil {
		s.log.Error("Failed to create task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	go func() {
		if err := s.orch.ProcessTranscript(context.Background(), taskID, doc); err != nil {
			s.log.Warn("Task processing ended with error", "task_id", taskID, "error", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"status":  string(models.TaskStatusPending),
		"message": "文件上传成功，开始处理",
	})
}

// CreateBatchTask accepts a list of talk URLs and starts sequential
// batch processing in the background.
func (s *Server) CreateBatchTask(c *gin.Context) {
	if !s.orch.SupportsBatch() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch processing is not configured"})
		return
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "urls list required"})
		return
	}

	taskID := uuid.NewString()
	if err := s.store.Create(c.Request.Context(), &models.Task{ID: taskID}); err != nil {
		s.log.Error("Failed to create task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	urls := req.URLs
	go func() {
		if err := s.orch.ProcessBatch(context.Background(), taskID, urls); err != nil {
			s.log.Warn("Batch processing ended with error", "task_id", taskID, "error", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"status":  string(models.TaskStatusPending),
		"total":   len(urls),
		"message": "批量任务已创建",
	})
}

// GetTask returns the current task record.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.log.Error("Failed to load task", "task_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns all task records, newest first.
func (s *Server) ListTasks(c *gin.Context) {
	tasks, err := s.store.List(c.Request.Context())
	if err != nil {
		s.log.Error("Failed to list tasks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// DeleteTask cancels an in-flight run, drops the task's event queue,
// and removes the record. Open streams observe the queue disappear and
// close.
func (s *Server) DeleteTask(c *gin.Context) {
	taskID := c.Param("id")

	canceled := s.orch.Cancel(taskID)
	if err := s.store.Delete(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.log.Error("Failed to delete task", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	s.bus.Remove(taskID)

	c.JSON(http.StatusOK, gin.H{
		"task_id":  taskID,
		"canceled": canceled,
		"message":  "任务已删除",
	})
}
