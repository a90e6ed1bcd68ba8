package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/middleware"
	"tradedesk/internal/services"
)

// NotificationHandler 站内通知
type NotificationHandler struct {
	service *services.NotificationService
	logger  *logrus.Logger
}

func NewNotificationHandler(service *services.NotificationService, logger *logrus.Logger) *NotificationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotificationHandler{service: service, logger: logger}
}

// ListNotifications ?unread=true 只返回未读
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	unread, _ := strconv.ParseBool(c.Query("unread"))
	list, err := h.service.List(c.Request.Context(), user.ID, unread, queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, "Failed to list notifications", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), user.ID, id); err != nil {
		respondError(c, "Failed to mark notification", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok"})
}

func RegisterNotificationRoutes(r *gin.RouterGroup, handler *NotificationHandler) {
	n := r.Group("/notifications")
	{
		n.GET("", handler.ListNotifications)
		n.POST("/:id/read", handler.MarkRead)
	}
}
