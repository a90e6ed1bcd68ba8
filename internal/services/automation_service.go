package services

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

// AutomationRequest 创建自动化的请求
type AutomationRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	TriggerType   string                 `json:"triggerType" binding:"required"`
	TriggerConfig map[string]interface{} `json:"triggerConfig"`
	ActionType    string                 `json:"actionType" binding:"required"`
	ActionConfig  map[string]interface{} `json:"actionConfig"`
	Enabled       *bool                  `json:"enabled"`
}

// AutomationUpdateRequest 更新请求；nil 字段保持不变
type AutomationUpdateRequest struct {
	Name          *string                `json:"name"`
	Description   *string                `json:"description"`
	TriggerType   *string                `json:"triggerType"`
	TriggerConfig map[string]interface{} `json:"triggerConfig"`
	ActionType    *string                `json:"actionType"`
	ActionConfig  map[string]interface{} `json:"actionConfig"`
	Enabled       *bool                  `json:"enabled"`
}

// AutomationFilter 列表查询条件
type AutomationFilter struct {
	TriggerType string
	ActionType  string
	Enabled     *bool
	Search      string
}

// AutomationService persists automation definitions and their version history.
type AutomationService struct {
	db         *gorm.DB
	registry   *ActionRegistry
	conditions *ConditionEvaluator
	auditor    Auditor
	logger     *logrus.Logger
}

func NewAutomationService(db *gorm.DB, registry *ActionRegistry, conditions *ConditionEvaluator, auditor Auditor, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	if conditions == nil {
		conditions = NewConditionEvaluator()
	}
	return &AutomationService{db: db, registry: registry, conditions: conditions, auditor: auditor, logger: logger}
}

func isSupportedTrigger(t string) bool {
	switch t {
	case models.TriggerProcessStatusChange, models.TriggerProcessCreated, models.TriggerInvoiceOverdue,
		models.TriggerSchedule, models.TriggerWebhook:
		return true
	default:
		return false
	}
}

// validateDefinition checks trigger and action config shapes. It may fill
// defaults into triggerConfig (a generated hookKey).
func (s *AutomationService) validateDefinition(triggerType string, triggerCfg map[string]interface{}, actionType string, actionCfg map[string]interface{}) error {
	if !isSupportedTrigger(triggerType) {
		return invalidf("unsupported trigger type %q", triggerType)
	}
	switch triggerType {
	case models.TriggerSchedule:
		if err := ValidateCronExpression(cfgString(triggerCfg, "cron")); err != nil {
			return err
		}
	case models.TriggerWebhook:
		if cfgString(triggerCfg, "hookKey") == "" {
			triggerCfg["hookKey"] = utils.NewHookKey()
		}
	}
	if raw, ok := triggerCfg["filters"]; ok && raw != nil {
		if _, err := decodeFilters(raw); err != nil {
			return invalidf("%v", err)
		}
	}
	if src := cfgString(triggerCfg, "expression"); src != "" {
		if err := s.conditions.Compile(src); err != nil {
			return invalidf("%v", err)
		}
	}
	return s.registry.Validate(actionType, actionCfg)
}

// Create 新建自动化，版本从 1 开始
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest, actor uint) (*models.Automation, error) {
	if req == nil {
		return nil, invalidf("request required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalidf("name is required")
	}
	triggerCfg := utils.CloneMap(req.TriggerConfig)
	actionCfg := utils.CloneMap(req.ActionConfig)
	if err := s.validateDefinition(req.TriggerType, triggerCfg, req.ActionType, actionCfg); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	a := &models.Automation{
		Name:          name,
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: datatypes.JSONMap(triggerCfg),
		ActionType:    req.ActionType,
		ActionConfig:  datatypes.JSONMap(actionCfg),
		Enabled:       enabled,
		Version:       1,
		CreatedBy:     actor,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		return tx.Create(&models.AutomationVersion{
			AutomationID: a.ID,
			Version:      1,
			Changes:      datatypes.JSONMap{"created": snapshot(a)},
			ChangedBy:    actor,
			CreatedAt:    time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "automation.create", a.ID, map[string]interface{}{"name": a.Name})
	return a, nil
}

func (s *AutomationService) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("automation %d", id)
		}
		return nil, err
	}
	return &a, nil
}

// List 按条件列出自动化
func (s *AutomationService) List(ctx context.Context, f AutomationFilter) ([]models.Automation, error) {
	q := s.db.WithContext(ctx).Model(&models.Automation{})
	if f.TriggerType != "" {
		q = q.Where("trigger_type = ?", f.TriggerType)
	}
	if f.ActionType != "" {
		q = q.Where("action_type = ?", f.ActionType)
	}
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	var out []models.Automation
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies the non-nil fields, bumps the version and appends history in
// one transaction. An update that changes nothing keeps the version.
func (s *AutomationService) Update(ctx context.Context, id uint, req *AutomationUpdateRequest, actor uint) (*models.Automation, error) {
	if req == nil {
		return nil, invalidf("request required")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, invalidf("name must not be empty")
		}
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if req.TriggerType != nil {
		next.TriggerType = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		next.TriggerConfig = datatypes.JSONMap(utils.CloneMap(req.TriggerConfig))
		if key := cfgString(current.TriggerConfig, "hookKey"); key != "" && cfgString(next.TriggerConfig, "hookKey") == "" {
			next.TriggerConfig["hookKey"] = key
		}
	} else {
		next.TriggerConfig = datatypes.JSONMap(utils.CloneMap(current.TriggerConfig))
	}
	if req.ActionType != nil {
		next.ActionType = *req.ActionType
	}
	if req.ActionConfig != nil {
		next.ActionConfig = datatypes.JSONMap(utils.CloneMap(req.ActionConfig))
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if err := s.validateDefinition(next.TriggerType, next.TriggerConfig, next.ActionType, next.ActionConfig); err != nil {
		return nil, err
	}

	return s.applyChange(ctx, current, &next, actor, "automation.update")
}

// SetEnabled 启用/停用，同样记录版本
func (s *AutomationService) SetEnabled(ctx context.Context, id uint, enabled bool, actor uint) (*models.Automation, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *current
	next.Enabled = enabled
	return s.applyChange(ctx, current, &next, actor, "automation.set_enabled")
}

// UpdateSchedule stores a new cron expression for a schedule automation.
func (s *AutomationService) UpdateSchedule(ctx context.Context, id uint, expression string, actor uint) (*models.Automation, error) {
	expression = strings.TrimSpace(expression)
	if err := ValidateCronExpression(expression); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.TriggerType != models.TriggerSchedule {
		return nil, invalidf("automation %d is not a schedule automation", id)
	}
	next := *current
	next.TriggerConfig = datatypes.JSONMap(utils.CloneMap(current.TriggerConfig))
	next.TriggerConfig["cron"] = expression
	return s.applyChange(ctx, current, &next, actor, "automation.update_schedule")
}

func (s *AutomationService) applyChange(ctx context.Context, current, next *models.Automation, actor uint, action string) (*models.Automation, error) {
	changes := diffAutomation(current, next)
	if len(changes) == 0 {
		return current, nil
	}

	var saved models.Automation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Automation{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
			"name":           next.Name,
			"description":    next.Description,
			"trigger_type":   next.TriggerType,
			"trigger_config": next.TriggerConfig,
			"action_type":    next.ActionType,
			"action_config":  next.ActionConfig,
			"enabled":        next.Enabled,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFoundf("automation %d", current.ID)
		}
		if err := tx.First(&saved, current.ID).Error; err != nil {
			return err
		}
		return tx.Create(&models.AutomationVersion{
			AutomationID: saved.ID,
			Version:      saved.Version,
			Changes:      datatypes.JSONMap{"fields": changes, "snapshot": snapshot(&saved)},
			ChangedBy:    actor,
			CreatedAt:    time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, action, saved.ID, changes)
	return &saved, nil
}

// Duplicate copies an automation as a new, disabled definition.
func (s *AutomationService) Duplicate(ctx context.Context, id uint, actor uint) (*models.Automation, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	triggerCfg := utils.CloneMap(src.TriggerConfig)
	if src.TriggerType == models.TriggerWebhook {
		// hookKey 必须唯一
		triggerCfg["hookKey"] = utils.NewHookKey()
	}
	cp := &models.Automation{
		Name:          src.Name + " (copy)",
		Description:   src.Description,
		TriggerType:   src.TriggerType,
		TriggerConfig: datatypes.JSONMap(triggerCfg),
		ActionType:    src.ActionType,
		ActionConfig:  datatypes.JSONMap(utils.CloneMap(src.ActionConfig)),
		Enabled:       false,
		Version:       1,
		CreatedBy:     actor,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cp).Error; err != nil {
			return err
		}
		return tx.Create(&models.AutomationVersion{
			AutomationID: cp.ID,
			Version:      1,
			Changes:      datatypes.JSONMap{"duplicatedFrom": src.ID, "created": snapshot(cp)},
			ChangedBy:    actor,
			CreatedAt:    time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "automation.duplicate", cp.ID, map[string]interface{}{"sourceId": src.ID})
	return cp, nil
}

// Delete 软删除；历史日志保留
func (s *AutomationService) Delete(ctx context.Context, id uint, actor uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Automation{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundf("automation %d", id)
	}
	s.audit(ctx, actor, "automation.delete", id, nil)
	return nil
}

// ListVersions 返回版本历史（新的在前）
func (s *AutomationService) ListVersions(ctx context.Context, id uint) ([]models.AutomationVersion, error) {
	var count int64
	if err := s.db.WithContext(ctx).Unscoped().Model(&models.Automation{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, notFoundf("automation %d", id)
	}
	var out []models.AutomationVersion
	if err := s.db.WithContext(ctx).Where("automation_id = ?", id).Order("version DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindByHookKey 查找入站 webhook 对应的启用中的自动化
func (s *AutomationService) FindByHookKey(ctx context.Context, hookKey string) ([]models.Automation, error) {
	var candidates []models.Automation
	if err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND enabled = ?", models.TriggerWebhook, true).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, a := range candidates {
		if cfgString(a.TriggerConfig, "hookKey") == hookKey {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *AutomationService) audit(ctx context.Context, actor uint, action string, id uint, changes map[string]interface{}) {
	s.auditor.LogAudit(ctx, AuditEntry{
		UserID:   actor,
		Action:   action,
		Entity:   "automation",
		EntityID: strconv.FormatUint(uint64(id), 10),
		Changes:  changes,
	})
}

func snapshot(a *models.Automation) map[string]interface{} {
	return map[string]interface{}{
		"name":          a.Name,
		"description":   a.Description,
		"triggerType":   a.TriggerType,
		"triggerConfig": map[string]interface{}(a.TriggerConfig),
		"actionType":    a.ActionType,
		"actionConfig":  map[string]interface{}(a.ActionConfig),
		"enabled":       a.Enabled,
	}
}

// diffAutomation returns {field: {from, to}} for every changed field.
func diffAutomation(before, after *models.Automation) map[string]interface{} {
	out := map[string]interface{}{}
	add := func(field string, from, to interface{}) {
		if !reflect.DeepEqual(normalizeJSON(from), normalizeJSON(to)) {
			out[field] = map[string]interface{}{"from": from, "to": to}
		}
	}
	add("name", before.Name, after.Name)
	add("description", before.Description, after.Description)
	add("triggerType", before.TriggerType, after.TriggerType)
	add("triggerConfig", map[string]interface{}(before.TriggerConfig), map[string]interface{}(after.TriggerConfig))
	add("actionType", before.ActionType, after.ActionType)
	add("actionConfig", map[string]interface{}(before.ActionConfig), map[string]interface{}(after.ActionConfig))
	add("enabled", before.Enabled, after.Enabled)
	return out
}

// normalizeJSON makes nil and empty maps compare equal and unifies numeric types.
func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	default:
		return t
	}
}
