package services

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/ratelimit"
)

const testActionType = "record"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testAutomationConfig() config.AutomationConfig {
	return config.GetDefaultConfig().Automation
}

// fakeExecutor records calls and returns a scripted outcome.
type fakeExecutor struct {
	typ      string
	calls    int32
	err      error
	panicMsg string
	output   map[string]interface{}
	lastReq  atomic.Value
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{typ: testActionType}
}

func (f *fakeExecutor) Type() string { return f.typ }

func (f *fakeExecutor) Validate(cfg map[string]interface{}) error {
	if _, bad := cfg["invalid"]; bad {
		return invalidf("invalid flag set")
	}
	return nil
}

func (f *fakeExecutor) Describe(cfg map[string]interface{}) string {
	return "Would record " + cfgString(cfg, "label")
}

func (f *fakeExecutor) Execute(_ context.Context, req ExecutionRequest) (ExecutionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastReq.Store(req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return ExecutionResult{Output: map[string]interface{}{"attempted": true}}, f.err
	}
	out := f.output
	if out == nil {
		out = map[string]interface{}{"ok": true}
	}
	return ExecutionResult{Output: out}, nil
}

func (f *fakeExecutor) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

type testEnv struct {
	db            *gorm.DB
	exec          *fakeExecutor
	registry      *ActionRegistry
	store         *AutomationService
	logs          *AutomationLogService
	notifications *NotificationService
	engine        *AutomationEngine
	limiter       *ratelimit.MemoryLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	exec := newFakeExecutor()
	notifications := NewNotificationService(db, log)
	registry := NewActionRegistry(exec, NewNotificationExecutor(notifications))
	conditions := NewConditionEvaluator()
	auditor := NewAuditService(db, log)
	cfg := testAutomationConfig()
	logs := NewAutomationLogService(db, notifications, auditor, cfg, log)
	limiter := ratelimit.NewMemoryLimiter(0)
	engine := NewAutomationEngine(db, registry, conditions, limiter, logs, auditor, cfg, log)
	return &testEnv{
		db:            db,
		exec:          exec,
		registry:      registry,
		store:         NewAutomationService(db, registry, conditions, auditor, log),
		logs:          logs,
		notifications: notifications,
		engine:        engine,
		limiter:       limiter,
	}
}

func (e *testEnv) createAutomation(t *testing.T, triggerType string, triggerCfg map[string]interface{}, enabled bool) *models.Automation {
	t.Helper()
	a, err := e.store.Create(context.Background(), &AutomationRequest{
		Name:          "auto-" + triggerType,
		TriggerType:   triggerType,
		TriggerConfig: triggerCfg,
		ActionType:    testActionType,
		ActionConfig:  map[string]interface{}{"label": "x"},
		Enabled:       &enabled,
	}, 7)
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return a
}

func countLogs(t *testing.T, db *gorm.DB, automationID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.AutomationLog{}).Where("automation_id = ?", automationID).Count(&n).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	return n
}

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
