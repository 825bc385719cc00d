// Package api exposes the HTTP surface: task submission, task queries,
// the SSE and WebSocket progress streams, learning history, and the key
// telemetry dashboard endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tedlearn/shadowwriter/pkg/database"
	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/monitor"
	"github.com/tedlearn/shadowwriter/pkg/orchestrator"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
	"github.com/tedlearn/shadowwriter/pkg/version"
)

// Stream timing defaults. Poll sets how often an idle stream checks the
// bus for new events; Heartbeat keeps proxies from closing quiet
// connections.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
)

// Server holds the handler dependencies. The database client is nil
// when running on the in-memory store.
type Server struct {
	store     taskstore.Store
	history   taskstore.HistoryStore
	orch      *orchestrator.Orchestrator
	bus       *events.Bus
	registry  *monitor.Registry
	db        *database.Client
	poll      time.Duration
	heartbeat time.Duration
	grace     time.Duration
	log       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDatabase attaches the database client for health reporting.
func WithDatabase(db *database.Client) ServerOption {
	return func(s *Server) { s.db = db }
}

// WithHistory enables the learning-history endpoints.
func WithHistory(h taskstore.HistoryStore) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithRegistry enables the key monitor endpoints.
func WithRegistry(r *monitor.Registry) ServerOption {
	return func(s *Server) { s.registry = r }
}

// WithStreamIntervals overrides the poll and heartbeat cadence (tests).
func WithStreamIntervals(poll, heartbeat time.Duration) ServerOption {
	return func(s *Server) {
		s.poll = poll
		s.heartbeat = heartbeat
	}
}

// WithTerminalGrace overrides the terminal-event wait (tests).
func WithTerminalGrace(d time.Duration) ServerOption {
	return func(s *Server) { s.grace = d }
}

// NewServer wires the handlers to their collaborators.
func NewServer(store taskstore.Store, orch *orchestrator.Orchestrator, bus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		orch:      orch,
		bus:       bus,
		poll:      DefaultPollInterval,
		heartbeat: DefaultHeartbeatInterval,
		grace:     DefaultTerminalGrace,
		log:       slog.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.HealthCheck)
	r.GET("/version", s.Version)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/tasks", s.CreateTask)
		apiGroup.POST("/tasks/batch", s.CreateBatchTask)
		apiGroup.GET("/tasks", s.ListTasks)
		apiGroup.GET("/tasks/:id", s.GetTask)
		apiGroup.DELETE("/tasks/:id", s.DeleteTask)

		apiGroup.GET("/progress/:id", s.StreamProgress)
		apiGroup.GET("/ws/progress/:id", s.StreamProgressWS)

		if s.history != nil {
			apiGroup.GET("/history", s.ListHistory)
			apiGroup.GET("/history/:id", s.GetHistory)
			apiGroup.DELETE("/history/:id", s.DeleteHistory)
		}

		if s.registry != nil {
			mon := apiGroup.Group("/monitor")
			mon.GET("/keys", s.ListKeys)
			mon.GET("/keys/:id", s.GetKey)
			mon.GET("/summary", s.MonitorSummary)
		}
	}

	return r
}

// HealthCheck reports process and database health.
func (s *Server) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": version.AppName,
	}
	if s.db == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	dbHealth, err := database.Health(c.Request.Context(), s.db.DB())
	resp["database"] = dbHealth
	if err != nil {
		resp["status"] = "unhealthy"
		resp["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Version reports the build version.
func (s *Server) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    version.AppName,
		"version": version.Full(),
		"commit":  version.GitCommit,
	})
}
