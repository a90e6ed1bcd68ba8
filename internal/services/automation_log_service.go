package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

// 日志保留天数上下限
const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

// LogFilter 日志查询条件
type LogFilter struct {
	AutomationID uint
	Status       string
	CronJob      string
	// IncludeHeartbeats 未按 CronJob 过滤时是否包含定时任务心跳行（automationId 0）
	IncludeHeartbeats bool
	Page              int
	PageSize          int
}

// AutomationStats 单个自动化的执行统计
type AutomationStats struct {
	AutomationID   uint       `json:"automationId"`
	Total          int64      `json:"total"`
	Success        int64      `json:"success"`
	Errors         int64      `json:"errors"`
	SuccessRate    float64    `json:"successRate"`
	AvgDurationMs  float64    `json:"avgDurationMs"`
	LastExecutedAt *time.Time `json:"lastExecutedAt"`
	LastStatus     string     `json:"lastStatus,omitempty"`
}

// AutomationLogService 执行日志：写入、查询、统计、清理
type AutomationLogService struct {
	db            *gorm.DB
	logger        *logrus.Logger
	notifications *NotificationService
	auditor       Auditor
	confirmation  string
	now           func() time.Time
}

func NewAutomationLogService(db *gorm.DB, notifications *NotificationService, auditor Auditor, cfg config.AutomationConfig, logger *logrus.Logger) *AutomationLogService {
	if logger == nil {
		logger = logrus.New()
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	return &AutomationLogService{
		db:            db,
		logger:        logger,
		notifications: notifications,
		auditor:       auditor,
		confirmation:  cfg.CleanupConfirmation,
		now:           time.Now,
	}
}

// Record appends one log row.
func (s *AutomationLogService) Record(ctx context.Context, log *models.AutomationLog) error {
	if log.ExecutedAt.IsZero() {
		log.ExecutedAt = s.now()
	}
	if log.Status == "" {
		log.Status = models.LogStatusPending
	}
	return s.db.WithContext(ctx).Create(log).Error
}

// List 分页查询，按执行时间倒序
func (s *AutomationLogService) List(ctx context.Context, f LogFilter) ([]models.AutomationLog, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	q := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if f.AutomationID != 0 {
		q = q.Where("automation_id = ?", f.AutomationID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CronJob != "" {
		q = q.Where("cron_job = ?", f.CronJob)
	} else if f.AutomationID == 0 && !f.IncludeHeartbeats {
		q = q.Where("automation_id <> ?", 0)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []models.AutomationLog
	if err := q.Order("executed_at DESC, id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (s *AutomationLogService) Get(ctx context.Context, id uint) (*models.AutomationLog, error) {
	var log models.AutomationLog
	if err := s.db.WithContext(ctx).First(&log, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("automation log %d", id)
		}
		return nil, err
	}
	return &log, nil
}

// Stats 汇总执行次数、成功率与最近一次执行
func (s *AutomationLogService) Stats(ctx context.Context, automationID uint) (*AutomationStats, error) {
	type row struct {
		Status string
		Count  int64
		AvgMs  float64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Select("status, COUNT(*) AS count, AVG(duration_ms) AS avg_ms").
		Where("automation_id = ?", automationID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	st := &AutomationStats{AutomationID: automationID}
	var weighted float64
	for _, r := range rows {
		st.Total += r.Count
		weighted += r.AvgMs * float64(r.Count)
		switch r.Status {
		case models.LogStatusSuccess:
			st.Success = r.Count
		case models.LogStatusError:
			st.Errors = r.Count
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
		st.AvgDurationMs = weighted / float64(st.Total)

		var last models.AutomationLog
		if err := s.db.WithContext(ctx).Where("automation_id = ?", automationID).
			Order("executed_at DESC, id DESC").First(&last).Error; err == nil {
			st.LastExecutedAt = &last.ExecutedAt
			st.LastStatus = last.Status
		}
	}
	return st, nil
}

// ClampRetentionDays limits retention to [1, 3650].
func ClampRetentionDays(days int) int {
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}

// Cleanup deletes logs older than the clamped retention. Nothing is deleted
// unless confirmation matches the configured phrase exactly.
func (s *AutomationLogService) Cleanup(ctx context.Context, retentionDays int, confirmation string, actor uint) (int64, int, error) {
	if s.confirmation == "" || confirmation != s.confirmation {
		return 0, 0, invalidf("confirmation text must be exactly %q", s.confirmation)
	}
	days := ClampRetentionDays(retentionDays)
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	res := s.db.WithContext(ctx).Where("executed_at < ?", cutoff).Delete(&models.AutomationLog{})
	if res.Error != nil {
		return 0, days, fmt.Errorf("%w: cleanup logs: %v", ErrInternal, res.Error)
	}

	s.logger.WithFields(logrus.Fields{"deleted": res.RowsAffected, "retention_days": days, "actor": actor}).Info("automation logs cleaned up")
	s.auditor.LogAudit(ctx, AuditEntry{
		UserID: actor,
		Action: "automation_logs.cleanup",
		Entity: "automation_log",
		Changes: map[string]interface{}{
			"retentionDays": days,
			"requestedDays": retentionDays,
			"deletedCount":  res.RowsAffected,
			"cutoff":        cutoff.UTC().Format(time.RFC3339),
		},
	})
	return res.RowsAffected, days, nil
}

// CleanupExpired is the scheduled retention run; it supplies the configured
// confirmation itself.
func (s *AutomationLogService) CleanupExpired(ctx context.Context, retentionDays int) (int64, int, error) {
	return s.Cleanup(ctx, retentionDays, s.confirmation, 0)
}

// NotifyFailure tells the automation owner that an execution failed. Best-effort.
func (s *AutomationLogService) NotifyFailure(ctx context.Context, a *models.Automation, log *models.AutomationLog) {
	if s.notifications == nil || a == nil || log == nil || a.CreatedBy == 0 {
		return
	}
	msg := "unknown error"
	if log.ErrorMessage != nil {
		msg = *log.ErrorMessage
	}
	_, err := s.notifications.Create(ctx, a.CreatedBy,
		fmt.Sprintf("Automation failed: %s", a.Name),
		fmt.Sprintf("%s (at %s)", utils.Truncate(msg, 500), utils.FormatTime(log.ExecutedAt)),
		"/automations/"+strconv.FormatUint(uint64(a.ID), 10)+"/logs/"+strconv.FormatUint(uint64(log.ID), 10),
	)
	if err != nil {
		s.logger.WithError(err).WithField("automation_id", a.ID).Warn("automation: failure notification not sent")
	}
}

// LastRunForJob returns the newest log time tagged with job, or nil.
func (s *AutomationLogService) LastRunForJob(ctx context.Context, job string) (*time.Time, error) {
	var log models.AutomationLog
	err := s.db.WithContext(ctx).
		Select("id", "executed_at").
		Where("cron_job = ?", job).
		Order("executed_at DESC, id DESC").
		Take(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log.ExecutedAt, nil
}
