package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradedesk/internal/config"
	"tradedesk/internal/services"
)

// StatusReporter 可选的上游状态（AI 代理等）
type StatusReporter interface {
	Status() map[string]interface{}
}

// HealthHandler 健康检查：数据库、Redis、定时任务、AI 代理
type HealthHandler struct {
	Version string

	config *config.Config
	db     *gorm.DB
	redis  redis.UniversalClient
	cron   *services.CronRegistry
	agent  StatusReporter
	logger *logrus.Logger
}

// NewHealthHandler rdb、cron、agent 均可为 nil
func NewHealthHandler(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, cron *services.CronRegistry, agent StatusReporter, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{Version: "dev", config: cfg, db: db, redis: rdb, cron: cron, agent: agent, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 数据库不可用时 503；Redis 或定时任务异常时 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Truncate(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	if !h.checkDatabase(ctx, &response) {
		response.Status = "unhealthy"
	}
	if !h.checkRedis(ctx, &response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	if !h.checkCron(ctx, &response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	if h.agent != nil {
		response.Services["agent"] = ServiceInfo{Status: "configured", Details: h.agent.Status()}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var response HealthResponse
	response.Services = make(map[string]ServiceInfo)
	if !h.checkDatabase(ctx, &response) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "services": response.Services})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if h.db == nil {
		info.Status = "unhealthy"
		info.Error = "database connection not initialized"
		response.Services["database"] = info
		return false
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.WithError(err).Warn("health: database ping failed")
	}
	if h.config != nil {
		info.Details = map[string]interface{}{"driver": h.db.Dialector.Name(), "host": h.config.Database.Host}
	}
	response.Services["database"] = info
	return err == nil
}

// checkRedis Redis 未启用时视为健康（限流与汇率缓存退回进程内存）
func (h *HealthHandler) checkRedis(ctx context.Context, response *HealthResponse) bool {
	if h.redis == nil {
		response.Services["redis"] = ServiceInfo{Status: "disabled"}
		return true
	}
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	err := h.redis.Ping(ctx).Err()
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	response.Services["redis"] = info
	return err == nil
}

func (h *HealthHandler) checkCron(ctx context.Context, response *HealthResponse) bool {
	if h.cron == nil {
		return true
	}
	health, err := h.cron.Health(ctx)
	if err != nil {
		response.Services["cron"] = ServiceInfo{Status: "unhealthy", Error: err.Error()}
		return false
	}
	response.Services["cron"] = ServiceInfo{Status: health.Status, Details: health.Jobs}
	return health.Status == services.CronHealthy
}

func RegisterHealthRoutes(r gin.IRoutes, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
