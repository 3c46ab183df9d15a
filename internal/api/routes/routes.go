// Package routes wires the HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldops/fsoa-service/internal/api/handlers"
	"github.com/fieldops/fsoa-service/pkg/logger"
)

// Handlers bundles everything the router needs.
type Handlers struct {
	Health *handlers.HealthHandler
	Agent  *handlers.AgentHandler
	Data   *handlers.DataHandler
	Config *handlers.ConfigHandler
}

// Register mounts all routes on the engine.
func Register(router *gin.Engine, h *Handlers, log *logger.Logger) {
	router.GET("/health", h.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		agent := v1.Group("/agent")
		{
			agent.GET("/status", h.Agent.Status)
			agent.POST("/runs", h.Agent.TriggerRun)
			agent.GET("/runs", h.Agent.ListRuns)
			agent.GET("/runs/:id", h.Agent.GetRun)
			agent.GET("/statistics", h.Agent.RunStatistics)

			scheduler := agent.Group("/scheduler")
			{
				scheduler.POST("/start", h.Agent.StartScheduler)
				scheduler.POST("/stop", h.Agent.StopScheduler)
				scheduler.POST("/restart", h.Agent.RestartScheduler)
			}
		}

		data := v1.Group("/data")
		{
			data.GET("/cache", h.Data.CacheStatistics)
			data.POST("/cache/refresh", h.Data.RefreshCache)
			data.DELETE("/cache", h.Data.ClearCache)
			data.GET("/consistency", h.Data.ValidateConsistency)
			data.GET("/opportunities/overdue", h.Data.OverdueOpportunities)
			data.GET("/opportunities/approaching", h.Data.ApproachingOpportunities)
			data.GET("/opportunities/statistics", h.Data.OpportunityStatistics)
			data.GET("/notifications/statistics", h.Data.NotificationStatistics)
		}

		config := v1.Group("/config")
		{
			config.GET("", h.Config.GetConfig)
			config.PUT("", h.Config.SetConfig)
			config.GET("/groups", h.Config.ListGroups)
			config.PUT("/groups", h.Config.UpsertGroup)
			config.DELETE("/groups/:id", h.Config.DeleteGroup)
		}
	}

	log.Info("routes registered")
}
