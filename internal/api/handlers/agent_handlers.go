package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/fsoa-service/internal/agent/orchestrator"
	"github.com/fieldops/fsoa-service/internal/agent/tracker"
	"github.com/fieldops/fsoa-service/internal/workers/agentscheduler"
	"github.com/fieldops/fsoa-service/pkg/logger"
)

// Pipeline triggers one agent execution.
type Pipeline interface {
	Execute(ctx context.Context, dryRun bool) (*orchestrator.Report, error)
}

// SchedulerControl is the scheduler surface the API exposes.
type SchedulerControl interface {
	Start() error
	Stop() error
	Restart(intervalMinutes int) error
	Status() *agentscheduler.Status
}

// AgentHandler handles agent run and scheduler endpoints
type AgentHandler struct {
	pipeline  Pipeline
	scheduler SchedulerControl
	tracker   *tracker.Tracker
	logger    *logger.Logger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(pipeline Pipeline, scheduler SchedulerControl, runTracker *tracker.Tracker, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		pipeline:  pipeline,
		scheduler: scheduler,
		tracker:   runTracker,
		logger:    log,
	}
}

// Status reports scheduler state and whether a run is in flight.
func (h *AgentHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scheduler":      h.scheduler.Status(),
		"run_in_flight":  h.tracker.IsRunning(),
		"current_run_id": h.tracker.CurrentRunID(),
	})
}

// TriggerRun executes the pipeline once. ?dry_run=true renders without
// sending.
func (h *AgentHandler) TriggerRun(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	report, err := h.pipeline.Execute(c.Request.Context(), dryRun)
	if err != nil {
		h.logger.WithError(err).Error("manual agent run failed")
		status := http.StatusInternalServerError
		c.JSON(status, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListRuns returns recent runs, newest first.
func (h *AgentHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.tracker.ListRecentRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun returns one run with its step traces.
func (h *AgentHandler) GetRun(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, steps, err := h.tracker.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "steps": steps})
}

// RunStatistics aggregates run outcomes over a trailing window.
func (h *AgentHandler) RunStatistics(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	stats, err := h.tracker.Statistics(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	steps, err := h.tracker.StepPerformance(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": stats, "steps": steps})
}

// StartScheduler starts the cron loop.
func (h *AgentHandler) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// StopScheduler stops the cron loop.
func (h *AgentHandler) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// RestartScheduler applies a new interval.
func (h *AgentHandler) RestartScheduler(c *gin.Context) {
	var req struct {
		IntervalMinutes int `json:"interval_minutes" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.Restart(req.IntervalMinutes); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}
