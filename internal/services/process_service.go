package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradedesk/internal/models"
)

// EventDispatcher receives domain events. Dispatch is detached: it never
// reports back to the caller.
type EventDispatcher interface {
	FireTriggerAsync(ctx context.Context, evt Event)
}

// allowed status transitions
var processTransitions = map[string][]string{
	models.ProcessStatusDraft:           {models.ProcessStatusPendingApproval, models.ProcessStatusCancelled},
	models.ProcessStatusPendingApproval: {models.ProcessStatusInProgress, models.ProcessStatusDraft, models.ProcessStatusCancelled},
	models.ProcessStatusInProgress:      {models.ProcessStatusCompleted, models.ProcessStatusCancelled},
}

// CanTransition reports whether a process may move from -> to.
func CanTransition(from, to string) bool {
	for _, s := range processTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProcessCreateRequest 创建流程请求
type ProcessCreateRequest struct {
	Reference  string `json:"reference" binding:"required"`
	Type       string `json:"type"`
	ClientName string `json:"clientName"`
}

// ProcessService owns process status changes and emits automation events
// after each committed change.
type ProcessService struct {
	db      *gorm.DB
	events  EventDispatcher
	auditor Auditor
	logger  *logrus.Logger
	now     func() time.Time
}

func NewProcessService(db *gorm.DB, events EventDispatcher, auditor Auditor, logger *logrus.Logger) *ProcessService {
	if logger == nil {
		logger = logrus.New()
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	return &ProcessService{db: db, events: events, auditor: auditor, logger: logger, now: time.Now}
}

func (s *ProcessService) Create(ctx context.Context, req *ProcessCreateRequest, actor uint) (*models.Process, error) {
	if req == nil || strings.TrimSpace(req.Reference) == "" {
		return nil, invalidf("reference is required")
	}
	typ := strings.ToLower(strings.TrimSpace(req.Type))
	switch typ {
	case "":
		typ = "import"
	case "import", "export":
	default:
		return nil, invalidf("type must be import or export")
	}
	p := &models.Process{
		Reference:  strings.TrimSpace(req.Reference),
		Type:       typ,
		ClientName: req.ClientName,
		Status:     models.ProcessStatusDraft,
		OwnerID:    actor,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "process.create", p.ID, map[string]interface{}{"reference": p.Reference})
	s.emit(ctx, models.TriggerProcessCreated, actor, p, map[string]interface{}{"status": p.Status})
	return p, nil
}

func (s *ProcessService) Get(ctx context.Context, id uint) (*models.Process, error) {
	var p models.Process
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("process %d", id)
		}
		return nil, err
	}
	return &p, nil
}

// Approve moves a pending process to in_progress. The status change is
// committed before automations run, so their failures cannot undo it.
func (s *ProcessService) Approve(ctx context.Context, id, actor uint) (*models.Process, error) {
	var p models.Process
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&p, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundf("process %d", id)
			}
			return err
		}
		if p.Status != models.ProcessStatusPendingApproval {
			return invalidf("process %d is %s, only pending_approval can be approved", id, p.Status)
		}
		res := tx.Model(&models.Process{}).
			Where("id = ? AND status = ?", id, models.ProcessStatusPendingApproval).
			Updates(map[string]interface{}{
				"status":      models.ProcessStatusInProgress,
				"approved_by": actor,
				"approved_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidf("process %d changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	old := p.Status
	p.Status = models.ProcessStatusInProgress
	p.ApprovedBy = &actor
	p.ApprovedAt = &now
	p.UpdatedAt = now

	s.audit(ctx, actor, "process.approve", p.ID, map[string]interface{}{"from": old, "to": p.Status})
	s.emit(ctx, models.TriggerProcessStatusChange, actor, &p, map[string]interface{}{
		"oldStatus": old,
		"newStatus": p.Status,
		"approved":  true,
	})
	return &p, nil
}

// UpdateStatus applies any allowed transition and emits process_status_change.
func (s *ProcessService) UpdateStatus(ctx context.Context, id uint, status string, actor uint) (*models.Process, error) {
	status = strings.TrimSpace(status)
	var p models.Process
	var old string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&p, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundf("process %d", id)
			}
			return err
		}
		if !CanTransition(p.Status, status) {
			return invalidf("cannot move process from %s to %s", p.Status, status)
		}
		old = p.Status
		res := tx.Model(&models.Process{}).
			Where("id = ? AND status = ?", id, old).
			Updates(map[string]interface{}{"status": status, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidf("process %d changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.Status = status

	s.audit(ctx, actor, "process.update_status", p.ID, map[string]interface{}{"from": old, "to": status})
	s.emit(ctx, models.TriggerProcessStatusChange, actor, &p, map[string]interface{}{
		"oldStatus": old,
		"newStatus": status,
	})
	return &p, nil
}

func (s *ProcessService) emit(ctx context.Context, eventType string, actor uint, p *models.Process, extra map[string]interface{}) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{
		"processId":  p.ID,
		"reference":  p.Reference,
		"type":       p.Type,
		"clientName": p.ClientName,
		"ownerId":    p.OwnerID,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.events.FireTriggerAsync(ctx, Event{Type: eventType, UserID: actor, Data: data})
}

func (s *ProcessService) audit(ctx context.Context, actor uint, action string, id uint, changes map[string]interface{}) {
	s.auditor.LogAudit(ctx, AuditEntry{
		UserID:   actor,
		Action:   action,
		Entity:   "process",
		EntityID: strconv.FormatUint(uint64(id), 10),
		Changes:  changes,
	})
}
