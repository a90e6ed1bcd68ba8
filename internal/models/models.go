package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 用户模型（认证由外部负责，这里只保留自动化需要的联系方式）
type User struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Email          string         `gorm:"unique;not null" json:"email"`
	Name           string         `json:"name"`
	TelegramChatID string         `json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// Process statuses.
const (
	ProcessStatusDraft           = "draft"
	ProcessStatusPendingApproval = "pending_approval"
	ProcessStatusInProgress      = "in_progress"
	ProcessStatusCompleted       = "completed"
	ProcessStatusCancelled       = "cancelled"
)

// Process 进出口业务流程
type Process struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Reference  string     `gorm:"uniqueIndex;not null" json:"reference"`
	Type       string     `gorm:"index" json:"type"` // import, export
	ClientName string     `json:"client_name"`
	Status     string     `gorm:"index;not null;default:draft" json:"status"`
	OwnerID    uint       `gorm:"index" json:"owner_id"`
	ApprovedBy *uint      `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Notification 站内通知
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Title     string    `gorm:"not null" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `gorm:"index;default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog 审计记录
type AuditLog struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    uint              `gorm:"index" json:"user_id"`
	Action    string            `gorm:"index;not null" json:"action"`
	Entity    string            `gorm:"index" json:"entity"`
	EntityID  string            `gorm:"index" json:"entity_id"`
	Changes   datatypes.JSONMap `json:"changes,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Process{},
		&Notification{},
		&AuditLog{},
		&Automation{},
		&AutomationVersion{},
		&AutomationLog{},
	}
}
