package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Trigger types.
const (
	TriggerProcessStatusChange = "process_status_change"
	TriggerProcessCreated      = "process_created"
	TriggerInvoiceOverdue      = "invoice_overdue"
	TriggerSchedule            = "schedule"
	TriggerWebhook             = "webhook"
)

// Action types.
const (
	ActionCreateNotification = "create_notification"
	ActionSendEmail          = "send_email"
	ActionCallAgent          = "call_agent"
	ActionWebhook            = "webhook"
	ActionSendTelegram       = "send_telegram"
)

// Execution statuses.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusPending = "pending"
)

// Automation 自动化规则定义：trigger -> condition -> action
type Automation struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	Name          string            `gorm:"not null" json:"name"`
	Description   string            `gorm:"type:text" json:"description"`
	TriggerType   string            `gorm:"index;not null" json:"trigger_type"`
	TriggerConfig datatypes.JSONMap `json:"trigger_config"`
	ActionType    string            `gorm:"not null" json:"action_type"`
	ActionConfig  datatypes.JSONMap `json:"action_config"`
	Enabled       bool              `gorm:"index;not null" json:"enabled"`
	Version       int               `gorm:"not null;default:1" json:"version"`
	CreatedBy     uint              `gorm:"index" json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`
}

// AutomationVersion 版本历史，只追加不修改
type AutomationVersion struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	AutomationID uint              `gorm:"uniqueIndex:idx_automation_version;not null" json:"automation_id"`
	Version      int               `gorm:"uniqueIndex:idx_automation_version;not null" json:"version"`
	Changes      datatypes.JSONMap `json:"changes"`
	ChangedBy    uint              `json:"changed_by"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AutomationLog 每次执行尝试一条记录
type AutomationLog struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	AutomationID uint              `gorm:"index;not null" json:"automation_id"`
	CronJob      *string           `gorm:"index" json:"cron_job,omitempty"`
	Trigger      string            `gorm:"index" json:"trigger"` // event type, manual, rerun
	Status       string            `gorm:"index;not null" json:"status"`
	Input        datatypes.JSONMap `json:"input"`
	Output       datatypes.JSONMap `json:"output"`
	ErrorMessage *string           `gorm:"type:text" json:"error_message"`
	DurationMs   int64             `json:"duration_ms"`
	ExecutedAt   time.Time         `gorm:"index;not null" json:"executed_at"`
}
