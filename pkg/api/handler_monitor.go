package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListKeys returns telemetry snapshots for every registered API key,
// optionally filtered by validity.
func (s *Server) ListKeys(c *gin.Context) {
	var keys any
	switch c.Query("state") {
	case "healthy":
		keys = s.registry.Healthy()
	case "invalid":
		keys = s.registry.Invalid()
	default:
		keys = s.registry.All()
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// GetKey returns one key's telemetry snapshot.
func (s *Server) GetKey(c *gin.Context) {
	view, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// MonitorSummary returns registry-wide aggregates plus the top keys by
// usage for the dashboard.
func (s *Server) MonitorSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"summary":        s.registry.Summary(),
		"top_by_usage":   s.registry.TopByUsage(5),
		"top_by_success": s.registry.TopBySuccess(5),
	})
}
