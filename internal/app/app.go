// Package app wires configuration, storage and services into a runnable
// server. Both the CLI and the handler tests build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"tradedesk/internal/config"
	"tradedesk/internal/handlers"
	"tradedesk/internal/metrics"
	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/observability"
	"tradedesk/internal/ratelimit"
	"tradedesk/internal/services"
	"tradedesk/pkg/mailer"
	"tradedesk/pkg/telegram"
)

// App 持有进程内所有长生命周期组件
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   redis.UniversalClient
	Logger  *logrus.Logger
	Limiter ratelimit.Limiter
	Version string

	Audit         *services.AuditService
	Notifications *services.NotificationService
	Logs          *services.AutomationLogService
	Automations   *services.AutomationService
	Engine        *services.AutomationEngine
	Processes     *services.ProcessService
	Rates         *services.ExchangeRateCache
	Cron          *services.CronRegistry
	Webhook       *services.WebhookExecutor
	Actions       *services.ActionRegistry
	Agent         *services.OpenAIAgentClient
}

// OpenDatabase 连接 Postgres；启用追踪时挂载 gorm otel 插件
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// OpenRedis returns nil when Redis is disabled.
func OpenRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// New 组装服务。rdb 为 nil 时限流与汇率缓存只用进程内存
func New(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, DB: db, Redis: rdb, Logger: log, Version: "dev"}

	if rdb != nil {
		a.Limiter = ratelimit.NewRedisLimiter(rdb, cfg.Redis.KeyPrefix, log)
	} else {
		a.Limiter = ratelimit.NewMemoryLimiter(time.Minute)
	}

	a.Audit = services.NewAuditService(db, log)
	a.Notifications = services.NewNotificationService(db, log)
	a.Logs = services.NewAutomationLogService(db, a.Notifications, a.Audit, cfg.Automation, log)
	a.Agent = services.NewOpenAIAgentClient(cfg.AI.OpenAI, cfg.AI.CircuitBreaker, log)
	a.Webhook = services.NewWebhookExecutor(cfg.Automation.WebhookTimeout, nil)

	mail := mailer.New(mailer.Config{
		Enabled:   cfg.Mail.Enabled,
		Host:      cfg.Mail.Host,
		Port:      cfg.Mail.Port,
		Username:  cfg.Mail.Username,
		Password:  cfg.Mail.Password,
		FromEmail: cfg.Mail.FromEmail,
		FromName:  cfg.Mail.FromName,
		Timeout:   cfg.Mail.Timeout,
		TLSPolicy: cfg.Mail.TLSPolicy,
	})

	registry := services.NewActionRegistry(
		services.NewNotificationExecutor(a.Notifications),
		services.NewEmailExecutor(mail),
		services.NewAgentExecutor(a.Agent),
		a.Webhook,
	)
	// send_telegram 仅在配置启用时可用
	if cfg.Telegram.Enabled {
		tg := telegram.NewClient(&telegram.Config{
			BaseURL:  cfg.Telegram.BaseURL,
			BotToken: cfg.Telegram.BotToken,
			Timeout:  cfg.Telegram.Timeout,
		}, observability.HTTPClient(&http.Client{Timeout: cfg.Telegram.Timeout}), log)
		registry.Register(services.NewTelegramExecutor(tg, db))
	}
	a.Actions = registry
	log.WithField("actions", registry.Types()).Info("automation actions registered")
	conditions := services.NewConditionEvaluator()

	a.Automations = services.NewAutomationService(db, registry, conditions, a.Audit, log)
	a.Engine = services.NewAutomationEngine(db, registry, conditions, a.Limiter, a.Logs, a.Audit, cfg.Automation, log)
	a.Processes = services.NewProcessService(db, a.Engine, a.Audit, log)
	a.Rates = services.NewExchangeRateCache(rdb, cfg.Redis.KeyPrefix, cfg.ExchangeRates, nil, log)

	a.Cron = services.NewCronRegistry(a.Logs, cfg.Automation.CronHealthThreshold, cfg.Automation.ExecutionTimeout, log)
	if err := services.RegisterBuiltinJobs(a.Cron, a.Engine, a.Logs, a.Rates, cfg.Automation.LogRetentionDays); err != nil {
		return nil, fmt.Errorf("register cron jobs: %w", err)
	}
	return a, nil
}

// Migrate 自动迁移所有模型并补充查询用的复合索引
func (a *App) Migrate() error {
	return Migrate(a.DB)
}

var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_automation_logs_automation_executed ON automation_logs(automation_id, executed_at)",
	"CREATE INDEX IF NOT EXISTS idx_automation_logs_cron_job_executed ON automation_logs(cron_job, executed_at)",
	"CREATE INDEX IF NOT EXISTS idx_automations_trigger_enabled ON automations(trigger_type, enabled)",
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Router 公开路由：/health、/ready、metrics、/hooks；其余在 /api/v1 下需要 JWT
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(a.Logger))
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(cfg, a.DB, a.Redis, a.Cron, a.Agent, a.Logger)
	health.Version = a.Version
	handlers.RegisterHealthRoutes(r, health)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	handlers.RegisterHookRoutes(r, handlers.NewHookHandler(a.Automations, a.Engine, a.Limiter, cfg.Automation, a.Logger))

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.Automations, a.Engine, a.Logs, a.Webhook, a.Logger))
	handlers.RegisterCronRoutes(api, handlers.NewCronHandler(a.Cron, a.Logger))
	handlers.RegisterProcessRoutes(api, handlers.NewProcessHandler(a.Processes, a.Logger))
	handlers.RegisterNotificationRoutes(api, handlers.NewNotificationHandler(a.Notifications, a.Logger))
	handlers.RegisterExchangeRateRoutes(api, handlers.NewExchangeRateHandler(a.Rates))
	return r
}

// Start 启动调度器（可通过 automation.scheduler_enabled 关闭）
func (a *App) Start() error {
	if !a.Config.Automation.SchedulerEnabled {
		a.Logger.Info("automation scheduler disabled")
		return nil
	}
	return a.Cron.Start()
}

// Shutdown 停止调度器并等待已派发的自动化结束
func (a *App) Shutdown(ctx context.Context) {
	a.Cron.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.Engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn("shutdown: detached automations still running")
	}

	if s, ok := a.Limiter.(interface{ Stop() }); ok {
		s.Stop()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("shutdown: close redis")
		}
	}
}
