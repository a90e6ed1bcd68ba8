package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/middleware"
	"tradedesk/internal/services"
)

// CronHandler 定时任务列表、手动触发与健康检查
type CronHandler struct {
	registry *services.CronRegistry
	logger   *logrus.Logger
}

func NewCronHandler(registry *services.CronRegistry, logger *logrus.Logger) *CronHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CronHandler{registry: registry, logger: logger}
}

func (h *CronHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// TriggerJob 同步执行；未知任务 404，任务本身失败 500
func (h *CronHandler) TriggerJob(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := h.registry.Trigger(c.Request.Context(), name); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respondError(c, "Unknown cron job", err)
			return
		}
		h.logger.WithError(err).WithFields(logrus.Fields{"job": name, "user_id": user.ID}).Error("cron: manual trigger failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Cron job failed", Message: err.Error(), Code: http.StatusInternalServerError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "success": true})
}

func (h *CronHandler) Health(c *gin.Context) {
	health, err := h.registry.Health(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to check cron health", err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func RegisterCronRoutes(r *gin.RouterGroup, handler *CronHandler) {
	cron := r.Group("/cron")
	{
		cron.GET("/jobs", handler.ListJobs)
		cron.POST("/jobs/:name/trigger", handler.TriggerJob)
		cron.GET("/health", handler.Health)
	}
}
