package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/fsoa-service/internal/agent/datastrategy"
	"github.com/fieldops/fsoa-service/internal/domain/services/sla"
	"github.com/fieldops/fsoa-service/internal/infrastructure/repositories"
	"github.com/fieldops/fsoa-service/pkg/logger"
)

// DataHandler handles cache and notification statistics endpoints
type DataHandler struct {
	strategy  *datastrategy.Strategy
	evaluator *sla.Evaluator
	tasks     *repositories.NotificationTaskRepository
	logger    *logger.Logger
}

// NewDataHandler creates a new data handler
func NewDataHandler(strategy *datastrategy.Strategy, evaluator *sla.Evaluator, tasks *repositories.NotificationTaskRepository, log *logger.Logger) *DataHandler {
	return &DataHandler{
		strategy:  strategy,
		evaluator: evaluator,
		tasks:     tasks,
		logger:    log,
	}
}

// CacheStatistics reports cache size and freshness.
func (h *DataHandler) CacheStatistics(c *gin.Context) {
	stats, err := h.strategy.CacheStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RefreshCache forces a fetch-and-replace.
func (h *DataHandler) RefreshCache(c *gin.Context) {
	oldCount, newCount, err := h.strategy.RefreshCache(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("forced cache refresh failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"old_count": oldCount, "new_count": newCount})
}

// OverdueOpportunities returns the overdue subset of the snapshot.
// ?force_refresh=true swaps the cache against a live fetch first.
func (h *DataHandler) OverdueOpportunities(c *gin.Context) {
	force := c.Query("force_refresh") == "true"
	opps, err := h.strategy.GetOverdueOpportunities(c.Request.Context(), force)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(opps), "opportunities": opps})
}

// ApproachingOpportunities returns opportunities inside the warning band
// ahead of their deadline.
func (h *DataHandler) ApproachingOpportunities(c *gin.Context) {
	opps, err := h.strategy.GetApproachingOverdue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(opps), "opportunities": opps})
}

// ClearCache empties the cache.
func (h *DataHandler) ClearCache(c *gin.Context) {
	if err := h.strategy.ClearCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// ValidateConsistency diffs the cache against a live fetch.
func (h *DataHandler) ValidateConsistency(c *gin.Context) {
	report, err := h.strategy.ValidateConsistency(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// OpportunityStatistics evaluates the current snapshot and summarizes it by
// severity, status, and org.
func (h *DataHandler) OpportunityStatistics(c *gin.Context) {
	result, err := h.strategy.GetOpportunities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.evaluator.ApplyAll(result.Opportunities, time.Now().In(h.evaluator.Calendar().Location()))
	stats := datastrategy.Summarize(result.Opportunities)
	c.JSON(http.StatusOK, gin.H{
		"statistics": stats,
		"source":     result.Source,
		"stale":      result.Stale,
	})
}

// NotificationStatistics summarizes task outcomes over a trailing window.
func (h *DataHandler) NotificationStatistics(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 {
		hours = 24
	}
	stats, err := h.tasks.Statistics(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
