package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/middleware"
	"tradedesk/internal/services"
)

// ProcessHandler 进出口流程
type ProcessHandler struct {
	service *services.ProcessService
	logger  *logrus.Logger
}

func NewProcessHandler(service *services.ProcessService, logger *logrus.Logger) *ProcessHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProcessHandler{service: service, logger: logger}
}

// CreateProcess 创建流程（草稿）
// @Summary 创建流程
// @Tags 流程
// @Accept json
// @Produce json
// @Param process body services.ProcessCreateRequest true "流程信息"
// @Success 201 {object} models.Process
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/processes [post]
func (h *ProcessHandler) CreateProcess(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	var req services.ProcessCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	p, err := h.service.Create(requestContext(c), &req, user.ID)
	if err != nil {
		respondError(c, "Failed to create process", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *ProcessHandler) GetProcess(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get process", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Approve 审批通过；自动化失败不影响审批结果
func (h *ProcessHandler) Approve(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p, err := h.service.Approve(requestContext(c), id, user.ID)
	if err != nil {
		respondError(c, "Failed to approve process", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type processStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *ProcessHandler) UpdateStatus(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req processStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	p, err := h.service.UpdateStatus(requestContext(c), id, req.Status, user.ID)
	if err != nil {
		respondError(c, "Failed to update process status", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func RegisterProcessRoutes(r *gin.RouterGroup, handler *ProcessHandler) {
	processes := r.Group("/processes")
	{
		processes.POST("", handler.CreateProcess)
		processes.GET("/:id", handler.GetProcess)
		processes.POST("/:id/approve", handler.Approve)
		processes.PUT("/:id/status", handler.UpdateStatus)
	}
}
