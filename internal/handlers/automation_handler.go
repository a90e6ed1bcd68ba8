package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/middleware"
	"tradedesk/internal/services"
)

// AutomationHandler 自动化定义、执行、模拟与 webhook 测试
type AutomationHandler struct {
	store   *services.AutomationService
	engine  *services.AutomationEngine
	logs    *services.AutomationLogService
	webhook *services.WebhookExecutor
	logger  *logrus.Logger
}

func NewAutomationHandler(store *services.AutomationService, engine *services.AutomationEngine, logs *services.AutomationLogService,
	webhook *services.WebhookExecutor, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{store: store, engine: engine, logs: logs, webhook: webhook, logger: logger}
}

// ListAutomations 获取自动化列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	f := services.AutomationFilter{
		TriggerType: c.Query("triggerType"),
		ActionType:  c.Query("actionType"),
		Search:      c.Query("q"),
	}
	if v := c.Query("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid filter", Message: "enabled must be true or false"})
			return
		}
		f.Enabled = &b
	}
	list, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, "Failed to list automations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// CreateAutomation 创建自动化
// @Summary 创建自动化
// @Tags 自动化
// @Accept json
// @Produce json
// @Param automation body services.AutomationRequest true "自动化定义"
// @Success 201 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automations [post]
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.store.Create(requestContext(c), &req, user.ID)
	if err != nil {
		respondError(c, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// UpdateAutomation 更新自动化，版本号自增
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.store.Update(requestContext(c), id, &req, user.ID)
	if err != nil {
		respondError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.store.Delete(requestContext(c), id, user.ID); err != nil {
		respondError(c, "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) DuplicateAutomation(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.store.Duplicate(requestContext(c), id, user.ID)
	if err != nil {
		respondError(c, "Failed to duplicate automation", err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *AutomationHandler) SetEnabled(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.store.SetEnabled(requestContext(c), id, *req.Enabled, user.ID)
	if err != nil {
		respondError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) ListVersions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	versions, err := h.store.ListVersions(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to list versions", err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

type scheduleRequest struct {
	Cron string `json:"cron" binding:"required"`
}

// UpdateSchedule cron 必须恰好 5 个字段
func (h *AutomationHandler) UpdateSchedule(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.store.UpdateSchedule(requestContext(c), id, req.Cron, user.ID)
	if err != nil {
		respondError(c, "Failed to update schedule", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type runRequest struct {
	Input map[string]interface{} `json:"input"`
}

// RunAutomation 手动执行
// @Summary 手动执行自动化（忽略启用状态）
// @Tags 自动化
// @Produce json
// @Param id path int true "自动化ID"
// @Success 200 {object} services.RunResult
// @Failure 404 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/automations/{id}/run [post]
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}
	h.run(c, id, req.Input, services.RunOptions{})
}

// RerunFromLog 以历史日志的输入重新执行
func (h *AutomationHandler) RerunFromLog(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	logID, ok := parseID(c, "logId")
	if !ok {
		return
	}
	h.run(c, id, nil, services.RunOptions{SourceLogID: logID})
}

func (h *AutomationHandler) run(c *gin.Context, id uint, input map[string]interface{}, opts services.RunOptions) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	res, err := h.engine.RunManually(requestContext(c), id, user.ID, input, opts)
	if err != nil {
		var execErr *services.ExecutionError
		if res != nil && errors.As(err, &execErr) {
			h.logger.WithError(err).WithField("automation_id", id).Warn("manual automation run failed")
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "Automation execution failed",
				"message": execErr.Err.Error(),
				"logId":   execErr.LogID,
				"status":  res.Status,
				"output":  res.Output,
			})
			return
		}
		respondError(c, "Failed to run automation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Simulate 预演，不执行动作也不写日志
func (h *AutomationHandler) Simulate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}
	res, err := h.engine.Simulate(c.Request.Context(), id, req.Input)
	if err != nil {
		respondError(c, "Failed to simulate automation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type webhookTestRequest struct {
	services.WebhookTarget
	Payload map[string]interface{} `json:"payload"`
}

// WebhookTest 向目标地址发送测试请求；远端结果总是以 200 返回
func (h *AutomationHandler) WebhookTest(c *gin.Context) {
	if _, ok := middleware.RequireAuth(c); !ok {
		return
	}
	var req webhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "url must be http or https"})
		return
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{"event": "webhook_test", "message": "TradeDesk webhook test"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return
	}
	d := h.webhook.Deliver(c.Request.Context(), req.WebhookTarget, body)
	c.JSON(http.StatusOK, d)
}

// ListLogs 执行日志
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	f := services.LogFilter{
		Status:   c.Query("status"),
		CronJob:  c.Query("cronJob"),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	f.IncludeHeartbeats, _ = strconv.ParseBool(c.Query("includeHeartbeats"))
	if v := c.Query("automationId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid filter", Message: "automationId must be a number"})
			return
		}
		f.AutomationID = uint(id)
	}
	logs, total, err := h.logs.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, "Failed to list logs", err)
		return
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	pages := int((total + int64(f.PageSize) - 1) / int64(f.PageSize))
	c.JSON(http.StatusOK, PaginatedResponse{Data: logs, Total: total, Page: f.Page, PageSize: f.PageSize, Pages: pages})
}

func (h *AutomationHandler) GetLog(c *gin.Context) {
	id, ok := parseID(c, "logId")
	if !ok {
		return
	}
	log, err := h.logs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get log", err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *AutomationHandler) Stats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to get stats", err)
		return
	}
	st, err := h.logs.Stats(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type cleanupRequest struct {
	RetentionDays int    `json:"retentionDays"`
	Confirmation  string `json:"confirmation"`
}

// CleanupLogs 需要精确的确认短语
func (h *AutomationHandler) CleanupLogs(c *gin.Context) {
	user, ok := middleware.RequireAuth(c)
	if !ok {
		return
	}
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	deleted, days, err := h.logs.Cleanup(requestContext(c), req.RetentionDays, req.Confirmation, user.ID)
	if err != nil {
		respondError(c, "Cleanup rejected", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedCount": deleted, "retentionDays": days})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.POST("/webhook-test", handler.WebhookTest)
		auto.GET("/logs", handler.ListLogs)
		auto.GET("/logs/:logId", handler.GetLog)
		auto.POST("/logs/cleanup", handler.CleanupLogs)
		auto.GET("/:id", handler.GetAutomation)
		auto.PUT("/:id", handler.UpdateAutomation)
		auto.DELETE("/:id", handler.DeleteAutomation)
		auto.POST("/:id/duplicate", handler.DuplicateAutomation)
		auto.POST("/:id/enabled", handler.SetEnabled)
		auto.GET("/:id/versions", handler.ListVersions)
		auto.GET("/:id/stats", handler.Stats)
		auto.PUT("/:id/schedule", handler.UpdateSchedule)
		auto.POST("/:id/run", handler.RunAutomation)
		auto.POST("/:id/rerun/:logId", handler.RerunFromLog)
		auto.POST("/:id/simulate", handler.Simulate)
	}
}
