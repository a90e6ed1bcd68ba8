package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"tradedesk/internal/config"
	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
	"tradedesk/internal/observability"
	"tradedesk/internal/ratelimit"
	"tradedesk/pkg/utils"
)

// Execution modes, used as log trigger tags and metric labels.
const (
	ModeEvent  = "event"
	ModeManual = "manual"
	ModeRerun  = "rerun"

	rerunMarker        = "_rerunFromLogId"
	manualMarkerPrefix = "_manual"
)

// RunOptions 手动执行选项
type RunOptions struct {
	// SourceLogID seeds the input from a previous log ("rerun from log").
	SourceLogID uint
}

// RunResult 手动执行结果
type RunResult struct {
	LogID  uint                   `json:"logId"`
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output"`
}

// SimulationResult describes what a run would do. Building it has no side effects.
type SimulationResult struct {
	AutomationID    uint            `json:"automationId"`
	DryRun          bool            `json:"dryRun"`
	WouldTrigger    bool            `json:"wouldTrigger"`
	ConditionResult ConditionResult `json:"conditionResult"`
	ExpectedOutcome string          `json:"expectedOutcome"`
	Warnings        []string        `json:"warnings"`
}

// AutomationEngine matches events to automations, dispatches executors and
// records one log row per execution.
type AutomationEngine struct {
	db         *gorm.DB
	registry   *ActionRegistry
	conditions *ConditionEvaluator
	limiter    ratelimit.Limiter
	logs       *AutomationLogService
	auditor    Auditor
	cfg        config.AutomationConfig
	logger     *logrus.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

func NewAutomationEngine(db *gorm.DB, registry *ActionRegistry, conditions *ConditionEvaluator, limiter ratelimit.Limiter,
	logs *AutomationLogService, auditor Auditor, cfg config.AutomationConfig, logger *logrus.Logger) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	if conditions == nil {
		conditions = NewConditionEvaluator()
	}
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(time.Minute)
	}
	return &AutomationEngine{
		db:         db,
		registry:   registry,
		conditions: conditions,
		limiter:    limiter,
		logs:       logs,
		auditor:    auditor,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// FireTrigger runs every enabled automation matching evt. It never returns or
// panics: failures go to the logger and the detached-error metric.
func (e *AutomationEngine) FireTrigger(ctx context.Context, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncDetachedError("panic")
			e.logger.WithFields(logrus.Fields{"event": evt.Type, "panic": rec}).Error("automation: fire trigger panicked")
		}
	}()
	if _, err := e.fire(ctx, evt); err != nil {
		metrics.IncDetachedError("lookup")
		e.logger.WithError(err).WithField("event", evt.Type).Error("automation: fire trigger failed")
	}
}

// FireTriggerAsync is FireTrigger on its own goroutine. The caller's
// cancellation does not reach the automations.
func (e *AutomationEngine) FireTriggerAsync(ctx context.Context, evt Event) {
	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.FireTrigger(detached, evt)
	}()
}

// Wait blocks until all async triggers have finished.
func (e *AutomationEngine) Wait() {
	e.wg.Wait()
}

// fire returns the number of dispatched automations. Only the lookup can fail;
// executor failures are recorded per automation.
func (e *AutomationEngine) fire(ctx context.Context, evt Event) (int, error) {
	if evt.At.IsZero() {
		evt.At = e.now()
	}
	ctx, span := observability.Tracer().Start(ctx, "automation.fire")
	defer span.End()
	span.SetAttributes(attribute.String("automation.event", evt.Type))

	var list []models.Automation
	if err := e.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ?", true, evt.Type).
		Order("id ASC").
		Find(&list).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: load automations: %v", ErrInternal, err)
	}

	dispatched := 0
	for i := range list {
		a := &list[i]
		cond := e.conditions.Evaluate(a, evt, EvalOptions{})
		if !cond.Passed {
			e.logger.WithFields(logrus.Fields{"automation_id": a.ID, "event": evt.Type}).Debug("automation: conditions not met")
			continue
		}
		dispatched++
		e.dispatch(ctx, a, evt)
	}
	span.SetAttributes(attribute.Int("automation.dispatched", dispatched))
	return dispatched, nil
}

// dispatch handles one matched automation. Nothing escapes it.
func (e *AutomationEngine) dispatch(ctx context.Context, a *models.Automation, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncDetachedError("dispatch")
			e.logger.WithFields(logrus.Fields{"automation_id": a.ID, "panic": rec}).Error("automation: dispatch panicked")
		}
	}()

	p := execParams{
		input:   utils.CloneMap(evt.Data),
		trigger: evt.Type,
		actor:   evt.UserID,
		mode:    ModeEvent,
		cronJob: evt.CronJob,
	}

	key := ratelimit.Key("automation", strconv.FormatUint(uint64(a.ID), 10))
	if res := e.limiter.Check(ctx, key, e.cfg.ExecutionLimit, e.cfg.ExecutionWindow); !res.Allowed {
		rlErr := &RateLimitError{Key: key, RetryAfter: res.RetryAfterSeconds}
		if _, err := e.writeLog(ctx, a, p, nil, rlErr, 0); err != nil {
			metrics.IncDetachedError("record")
			e.logger.WithError(err).WithField("automation_id", a.ID).Error("automation: record rate-limited run failed")
		}
		metrics.ObserveAutomationExecution(a.ActionType, p.mode, "rate_limited", 0)
		return
	}

	log, runErr, err := e.execute(ctx, a, p)
	if err != nil {
		metrics.IncDetachedError("record")
		e.logger.WithError(err).WithField("automation_id", a.ID).Error("automation: record execution failed")
		return
	}
	if runErr != nil {
		metrics.IncDetachedError("executor")
		e.logger.WithError(runErr).WithFields(logrus.Fields{
			"automation_id": a.ID,
			"log_id":        log.ID,
			"action_type":   a.ActionType,
		}).Warn("automation: execution failed")
		if cfgBool(a.ActionConfig, "notifyOnFailure") {
			e.logs.NotifyFailure(ctx, a, log)
		}
	}
}

type execParams struct {
	input   map[string]interface{}
	trigger string
	actor   uint
	mode    string
	cronJob string
}

// execute runs the executor and writes exactly one log row. runErr is the
// executor outcome; err is set only when the log could not be written.
func (e *AutomationEngine) execute(ctx context.Context, a *models.Automation, p execParams) (log *models.AutomationLog, runErr error, err error) {
	ctx, span := observability.Tracer().Start(ctx, "automation.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.id", int64(a.ID)),
		attribute.String("automation.action_type", a.ActionType),
		attribute.String("automation.mode", p.mode),
	)

	start := e.now()
	var output map[string]interface{}
	output, runErr = e.runExecutor(ctx, a, p)
	elapsed := e.now().Sub(start)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	status := models.LogStatusSuccess
	if runErr != nil {
		status = models.LogStatusError
	}
	metrics.ObserveAutomationExecution(a.ActionType, p.mode, status, elapsed)

	log, err = e.writeLog(ctx, a, p, output, runErr, elapsed)
	return log, runErr, err
}

func (e *AutomationEngine) runExecutor(ctx context.Context, a *models.Automation, p execParams) (output map[string]interface{}, err error) {
	exec, ok := e.registry.Get(a.ActionType)
	if !ok {
		return nil, fmt.Errorf("unsupported action type %q", a.ActionType)
	}
	cfg := map[string]interface{}(a.ActionConfig)
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	// 存储层不校验 actionConfig，执行前再校验一次
	if err := exec.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", a.ActionType, err)
	}

	timeout := e.cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s executor panicked: %v", a.ActionType, rec)
		}
	}()
	res, err := exec.Execute(ctx, ExecutionRequest{
		Automation: a,
		Config:     cfg,
		Input:      p.input,
		Trigger:    p.trigger,
		ActorID:    p.actor,
	})
	return res.Output, err
}

func (e *AutomationEngine) writeLog(ctx context.Context, a *models.Automation, p execParams, output map[string]interface{}, runErr error, elapsed time.Duration) (*models.AutomationLog, error) {
	if output == nil {
		output = map[string]interface{}{}
	}
	input := p.input
	if input == nil {
		input = map[string]interface{}{}
	}
	log := &models.AutomationLog{
		AutomationID: a.ID,
		Trigger:      p.trigger,
		Status:       models.LogStatusSuccess,
		Input:        input,
		Output:       output,
		DurationMs:   elapsed.Milliseconds(),
		ExecutedAt:   e.now(),
	}
	if p.cronJob != "" {
		job := p.cronJob
		log.CronJob = &job
	}
	if runErr != nil {
		msg := runErr.Error()
		log.Status = models.LogStatusError
		log.ErrorMessage = &msg
	}
	// 请求取消后仍然写入日志
	if err := e.logs.Record(context.WithoutCancel(ctx), log); err != nil {
		return log, fmt.Errorf("%w: record automation log: %v", ErrInternal, err)
	}
	return log, nil
}

// RunManually executes one automation on demand, enabled or not, and returns
// the log it wrote. Executor failures come back as *ExecutionError.
func (e *AutomationEngine) RunManually(ctx context.Context, id, actor uint, input map[string]interface{}, opts RunOptions) (*RunResult, error) {
	a, err := e.loadAutomation(ctx, id)
	if err != nil {
		return nil, err
	}

	p := execParams{actor: actor, mode: ModeManual, trigger: ModeManual}
	if opts.SourceLogID != 0 {
		src, err := e.logs.Get(ctx, opts.SourceLogID)
		if err != nil {
			return nil, err
		}
		if src.AutomationID != a.ID {
			return nil, notFoundf("automation log %d for automation %d", src.ID, a.ID)
		}
		p.input = RerunInput(src.Input, src.ID)
		p.mode, p.trigger = ModeRerun, ModeRerun
	} else {
		p.input = utils.CloneMap(input)
		p.input["_manualRun"] = true
		p.input["_manualActor"] = actor
	}

	key := ratelimit.Key("manual_run", strconv.FormatUint(uint64(actor), 10), strconv.FormatUint(uint64(a.ID), 10))
	if res := e.limiter.Check(ctx, key, e.cfg.ManualRunLimit, e.cfg.ManualRunWindow); !res.Allowed {
		return nil, &RateLimitError{Key: key, RetryAfter: res.RetryAfterSeconds}
	}

	log, runErr, err := e.execute(ctx, a, p)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{"logId": log.ID, "status": log.Status}
	if opts.SourceLogID != 0 {
		changes["sourceLogId"] = opts.SourceLogID
	}
	e.auditor.LogAudit(ctx, AuditEntry{
		UserID:   actor,
		Action:   "automation." + p.mode,
		Entity:   "automation",
		EntityID: strconv.FormatUint(uint64(a.ID), 10),
		Changes:  changes,
	})

	res := &RunResult{LogID: log.ID, Status: log.Status, Output: log.Output}
	if runErr != nil {
		return res, &ExecutionError{LogID: log.ID, Err: runErr}
	}
	return res, nil
}

// RerunInput copies a logged input, drops manual-run markers and tags the
// source log.
func RerunInput(src map[string]interface{}, sourceLogID uint) map[string]interface{} {
	out := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		if strings.HasPrefix(k, manualMarkerPrefix) || k == rerunMarker {
			continue
		}
		out[k] = plainJSON(v)
	}
	out[rerunMarker] = sourceLogID
	return out
}

// Simulate predicts the outcome of a run. It never calls an executor and
// never writes a log.
func (e *AutomationEngine) Simulate(ctx context.Context, id uint, input map[string]interface{}) (*SimulationResult, error) {
	a, err := e.loadAutomation(ctx, id)
	if err != nil {
		return nil, err
	}

	evt := Event{Type: a.TriggerType, Data: input}
	cond := e.conditions.Evaluate(a, evt, EvalOptions{Simulated: true})
	res := &SimulationResult{
		AutomationID:    a.ID,
		DryRun:          true,
		ConditionResult: cond,
		Warnings:        []string{},
	}
	if !a.Enabled {
		res.Warnings = append(res.Warnings, "automation is disabled: events will not trigger it, manual runs still work")
	}

	exec, ok := e.registry.Get(a.ActionType)
	if !ok {
		res.ExpectedOutcome = fmt.Sprintf("Nothing would run: unsupported action type %q", a.ActionType)
		res.Warnings = append(res.Warnings, res.ExpectedOutcome)
		return res, nil
	}
	cfg := map[string]interface{}(a.ActionConfig)
	if err := exec.Validate(cfg); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("action config is invalid: %v", err))
	}
	res.ExpectedOutcome = exec.Describe(cfg)
	res.WouldTrigger = a.Enabled && cond.Passed
	return res, nil
}

// RunScheduled is the scheduled_automations cron job body.
func (e *AutomationEngine) RunScheduled(ctx context.Context) (map[string]interface{}, error) {
	now := e.now()
	n, err := e.fire(ctx, Event{
		Type:    models.TriggerSchedule,
		Data:    map[string]interface{}{"scheduledAt": now.UTC().Format(time.RFC3339)},
		CronJob: JobScheduledAutomations,
		At:      now,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"dispatched": n}, nil
}

func (e *AutomationEngine) loadAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := e.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("automation %d", id)
		}
		return nil, err
	}
	return &a, nil
}
