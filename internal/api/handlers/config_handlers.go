package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
	"github.com/fieldops/fsoa-service/internal/infrastructure/repositories"
	"github.com/fieldops/fsoa-service/pkg/logger"
)

// ConfigHandler handles group routing and runtime config endpoints
type ConfigHandler struct {
	groups *repositories.GroupConfigRepository
	store  *repositories.ConfigStore
	logger *logger.Logger
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(groups *repositories.GroupConfigRepository, store *repositories.ConfigStore, log *logger.Logger) *ConfigHandler {
	return &ConfigHandler{
		groups: groups,
		store:  store,
		logger: log,
	}
}

// ListGroups returns every configured chat group.
func (h *ConfigHandler) ListGroups(c *gin.Context) {
	groups, err := h.groups.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

type groupRequest struct {
	GroupID                     string `json:"group_id" binding:"required"`
	Name                        string `json:"name" binding:"required"`
	WebhookURL                  string `json:"webhook_url" binding:"required,url"`
	Enabled                     *bool  `json:"enabled"`
	NotificationCooldownMinutes int    `json:"notification_cooldown_minutes" binding:"gte=0"`
}

// UpsertGroup creates or updates a chat group.
func (h *ConfigHandler) UpsertGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	group := &entities.GroupConfig{
		GroupID:                     req.GroupID,
		Name:                        req.Name,
		WebhookURL:                  req.WebhookURL,
		Enabled:                     enabled,
		NotificationCooldownMinutes: req.NotificationCooldownMinutes,
	}
	if err := h.groups.Upsert(c.Request.Context(), group); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, group)
}

// DeleteGroup removes a chat group.
func (h *ConfigHandler) DeleteGroup(c *gin.Context) {
	if err := h.groups.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// GetConfig returns every runtime-tunable key.
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.store.All()})
}

// SetConfig writes one runtime-tunable key.
func (h *ConfigHandler) SetConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.Set(c.Request.Context(), req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value})
}
