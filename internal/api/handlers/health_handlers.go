package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/fieldops/fsoa-service/pkg/logger"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *sqlx.DB, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: log,
	}
}

var startTime = time.Now()

// Health reports process liveness and database reachability.
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "healthy"
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unhealthy: " + err.Error()
	}
	c.JSON(status, gin.H{
		"status":    map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime).String(),
		"checks": gin.H{
			"database": dbStatus,
		},
	})
}
