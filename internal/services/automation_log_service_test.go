package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"tradedesk/internal/models"
)

func seedLog(t *testing.T, env *testEnv, automationID uint, status string, at time.Time, durationMs int64) *models.AutomationLog {
	t.Helper()
	l := &models.AutomationLog{
		AutomationID: automationID,
		Trigger:      models.TriggerProcessCreated,
		Status:       status,
		Input:        datatypes.JSONMap{},
		Output:       datatypes.JSONMap{},
		DurationMs:   durationMs,
		ExecutedAt:   at,
	}
	require.NoError(t, env.logs.Record(context.Background(), l))
	return l
}

func TestClampRetentionDays(t *testing.T) {
	assert.Equal(t, 1, ClampRetentionDays(0))
	assert.Equal(t, 1, ClampRetentionDays(-30))
	assert.Equal(t, 30, ClampRetentionDays(30))
	assert.Equal(t, 3650, ClampRetentionDays(3650))
	assert.Equal(t, 3650, ClampRetentionDays(999999))
}

func TestLogCleanup_RequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := time.Now().Add(-400 * 24 * time.Hour)
	seedLog(t, env, 1, models.LogStatusSuccess, old, 5)

	for _, days := range []int{0, 1, 30, 999999} {
		deleted, _, err := env.logs.Cleanup(ctx, days, "delete automation logs", 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Zero(t, deleted)
	}
	deleted, _, err := env.logs.Cleanup(ctx, 30, "", 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, deleted)
	assert.Equal(t, int64(1), countLogs(t, env.db, 1))
}

func TestLogCleanup_DeletesOnlyExpiredRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	env.logs.now = func() time.Time { return now }
	phrase := testAutomationConfig().CleanupConfirmation

	seedLog(t, env, 1, models.LogStatusSuccess, now.Add(-48*time.Hour), 5)
	seedLog(t, env, 1, models.LogStatusError, now.Add(-2*time.Hour), 5)

	// 0 天被提升为 1 天：两天前的删除，两小时前的保留
	deleted, days, err := env.logs.Cleanup(ctx, 0, phrase, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, days)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, int64(1), countLogs(t, env.db, 1))

	deleted, days, err = env.logs.Cleanup(ctx, 999999, phrase, 3)
	require.NoError(t, err)
	assert.Equal(t, 3650, days)
	assert.Zero(t, deleted)

	var audits int64
	env.db.Model(&models.AuditLog{}).Where("action = ?", "automation_logs.cleanup").Count(&audits)
	assert.Equal(t, int64(2), audits)
}

func TestLogService_ListAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedLog(t, env, 4, models.LogStatusSuccess, base.Add(time.Duration(i)*time.Minute), 10)
	}
	last := seedLog(t, env, 4, models.LogStatusError, base.Add(time.Hour), 30)
	seedLog(t, env, 5, models.LogStatusSuccess, base, 1)

	logs, total, err := env.logs.List(ctx, LogFilter{AutomationID: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, logs, 2)
	assert.Equal(t, last.ID, logs[0].ID)

	logs, _, err = env.logs.List(ctx, LogFilter{AutomationID: 4, PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	stats, err := env.logs.Stats(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(3), stats.Success)
	assert.Equal(t, int64(1), stats.Errors)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.0001)
	assert.InDelta(t, 15.0, stats.AvgDurationMs, 0.0001)
	assert.Equal(t, models.LogStatusError, stats.LastStatus)

	empty, err := env.logs.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.LastExecutedAt)

	_, err = env.logs.Get(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogService_ListHidesHeartbeatsByDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	seedLog(t, env, 4, models.LogStatusSuccess, now, 10)
	job := JobScheduledAutomations
	for i := 0; i < 3; i++ {
		hb := &models.AutomationLog{CronJob: &job, Trigger: "cron", Status: models.LogStatusSuccess,
			Input: datatypes.JSONMap{}, Output: datatypes.JSONMap{}, ExecutedAt: now.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, env.logs.Record(ctx, hb))
	}

	logs, total, err := env.logs.List(ctx, LogFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, uint(4), logs[0].AutomationID)

	_, total, err = env.logs.List(ctx, LogFilter{IncludeHeartbeats: true})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	_, total, err = env.logs.List(ctx, LogFilter{CronJob: job})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestLogService_LastRunForJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	last, err := env.logs.LastRunForJob(ctx, JobLogCleanup)
	require.NoError(t, err)
	assert.Nil(t, last)

	job := JobLogCleanup
	at := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, env.logs.Record(ctx, &models.AutomationLog{
		CronJob: &job, Trigger: "cron", Status: models.LogStatusSuccess,
		Input: datatypes.JSONMap{}, Output: datatypes.JSONMap{}, ExecutedAt: at,
	}))
	// 其他任务的日志不影响结果
	seedLog(t, env, 1, models.LogStatusSuccess, at.Add(time.Hour), 1)

	last, err = env.logs.LastRunForJob(ctx, JobLogCleanup)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(at))
}
