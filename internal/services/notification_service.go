package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradedesk/internal/models"
)

// NotificationService 站内通知
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger}
}

// Create 为用户创建一条通知
func (s *NotificationService) Create(ctx context.Context, userID uint, title, message, link string) (*models.Notification, error) {
	if userID == 0 {
		return nil, invalidf("notification user is required")
	}
	if strings.TrimSpace(title) == "" {
		return nil, invalidf("notification title is required")
	}
	n := &models.Notification{
		UserID:    userID,
		Title:     title,
		Message:   message,
		Link:      link,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, err
	}
	return n, nil
}

// List 返回用户最近的通知
func (s *NotificationService) List(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var out []models.Notification
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead 标记已读；只能操作自己的通知
func (s *NotificationService) MarkRead(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundf("notification %d", id)
	}
	return nil
}
