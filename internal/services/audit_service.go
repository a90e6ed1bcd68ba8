package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradedesk/internal/models"
)

// AuditEntry 一条审计记录
type AuditEntry struct {
	UserID    uint
	Action    string
	Entity    string
	EntityID  string
	Changes   map[string]interface{}
	IP        string
	UserAgent string
}

type clientInfoKey struct{}

type clientInfo struct {
	ip, userAgent string
}

// WithClientInfo attaches the caller's IP and user agent; LogAudit uses them
// when the entry leaves IP/UserAgent empty.
func WithClientInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, clientInfo{ip: ip, userAgent: userAgent})
}

func clientInfoFrom(ctx context.Context) (clientInfo, bool) {
	ci, ok := ctx.Value(clientInfoKey{}).(clientInfo)
	return ci, ok
}

// Auditor records audit entries. Implementations never fail the caller.
type Auditor interface {
	LogAudit(ctx context.Context, entry AuditEntry)
}

// AuditService writes audit rows with gorm, best-effort.
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger}
}

// LogAudit 写入审计日志，失败只记录警告
func (s *AuditService) LogAudit(ctx context.Context, entry AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("audit: panic while writing %s: %v", entry.Action, r)
		}
	}()
	if s.db == nil {
		return
	}
	if ci, ok := clientInfoFrom(ctx); ok {
		if entry.IP == "" {
			entry.IP = ci.ip
		}
		if entry.UserAgent == "" {
			entry.UserAgent = ci.userAgent
		}
	}
	row := &models.AuditLog{
		UserID:    entry.UserID,
		Action:    entry.Action,
		Entity:    entry.Entity,
		EntityID:  entry.EntityID,
		Changes:   entry.Changes,
		IP:        entry.IP,
		UserAgent: entry.UserAgent,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.logger.WithError(err).WithField("action", entry.Action).Warn("audit: write failed")
	}
}

type noopAuditor struct{}

func (noopAuditor) LogAudit(context.Context, AuditEntry) {}
