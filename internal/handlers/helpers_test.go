package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradedesk/internal/config"
	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/ratelimit"
	"tradedesk/internal/services"
)

const (
	testSecret    = "handler-test-secret"
	testActorID   = 42
	stubAction    = "stub"
	testHookLimit = 3
)

// stubExecutor fails when fail is set.
type stubExecutor struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (s *stubExecutor) Type() string { return stubAction }

func (s *stubExecutor) Validate(map[string]interface{}) error { return nil }

func (s *stubExecutor) Describe(map[string]interface{}) string { return "Would run stub" }

func (s *stubExecutor) Execute(_ context.Context, req services.ExecutionRequest) (services.ExecutionResult, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return services.ExecutionResult{}, errors.New("stub exploded")
	}
	return services.ExecutionResult{Output: map[string]interface{}{"echo": req.Input["a"]}}, nil
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	db       *gorm.DB
	cfg      *config.Config
	token    string
	exec     *stubExecutor
	store    *services.AutomationService
	engine   *services.AutomationEngine
	logs     *services.AutomationLogService
	cron     *services.CronRegistry
	notifier *services.NotificationService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	cfg.Automation.InboundWebhookLimit = testHookLimit
	cfg.ExchangeRates.SourceURL = ""
	for _, m := range mutate {
		m(cfg)
	}

	db := newTestDB(t)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	exec := &stubExecutor{}
	notifications := services.NewNotificationService(db, log)
	webhook := services.NewWebhookExecutor(2*time.Second, nil)
	registry := services.NewActionRegistry(exec, services.NewNotificationExecutor(notifications), webhook)
	conditions := services.NewConditionEvaluator()
	auditor := services.NewAuditService(db, log)
	logs := services.NewAutomationLogService(db, notifications, auditor, cfg.Automation, log)
	limiter := ratelimit.NewMemoryLimiter(0)
	t.Cleanup(limiter.Stop)
	engine := services.NewAutomationEngine(db, registry, conditions, limiter, logs, auditor, cfg.Automation, log)
	store := services.NewAutomationService(db, registry, conditions, auditor, log)
	processes := services.NewProcessService(db, engine, auditor, log)
	rates := services.NewExchangeRateCache(nil, "", cfg.ExchangeRates, nil, log)
	cron := services.NewCronRegistry(logs, cfg.Automation.CronHealthThreshold, 5*time.Second, log)

	r := gin.New()
	RegisterHealthRoutes(r, NewHealthHandler(cfg, db, nil, cron, nil, log))
	RegisterHookRoutes(r, NewHookHandler(store, engine, limiter, cfg.Automation, log))
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))
	RegisterAutomationRoutes(api, NewAutomationHandler(store, engine, logs, webhook, log))
	RegisterCronRoutes(api, NewCronHandler(cron, log))
	RegisterProcessRoutes(api, NewProcessHandler(processes, log))
	RegisterNotificationRoutes(api, NewNotificationHandler(notifications, log))
	RegisterExchangeRateRoutes(api, NewExchangeRateHandler(rates))

	token, err := middleware.IssueToken(testSecret, testActorID, "ops@example.com", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	return &testServer{
		t: t, router: r, db: db, cfg: cfg, token: token, exec: exec,
		store: store, engine: engine, logs: logs, cron: cron, notifier: notifications,
	}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.doWith(method, path, body, true, nil)
}

func (s *testServer) doWith(method, path string, body interface{}, auth bool, headers http.Header) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if buf.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createAutomation(triggerType string, triggerCfg map[string]interface{}, enabled bool) *models.Automation {
	s.t.Helper()
	a, err := s.store.Create(context.Background(), &services.AutomationRequest{
		Name:          "handler-" + triggerType,
		TriggerType:   triggerType,
		TriggerConfig: triggerCfg,
		ActionType:    stubAction,
		ActionConfig:  map[string]interface{}{},
		Enabled:       &enabled,
	}, testActorID)
	require.NoError(s.t, err)
	return a
}

func (s *testServer) countLogs(automationID uint) int64 {
	s.t.Helper()
	var n int64
	require.NoError(s.t, s.db.Model(&models.AutomationLog{}).Where("automation_id = ?", automationID).Count(&n).Error)
	return n
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}
