package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
)

// Built-in job names.
const (
	JobScheduledAutomations = "scheduled_automations"
	JobLogCleanup           = "automation_log_cleanup"
	JobExchangeRateRefresh  = "exchange_rate_refresh"
)

// Cron health statuses.
const (
	CronJobActive  = "active"
	CronJobIdle    = "idle"
	CronHealthy    = "healthy"
	CronDegraded   = "degraded"
	cronTriggerTag = "cron"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpression requires exactly five space-separated fields that
// robfig/cron's standard parser accepts.
func ValidateCronExpression(expr string) error {
	if n := len(strings.Fields(expr)); n != 5 {
		return invalidf("cron expression must have exactly 5 fields, got %d", n)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return invalidf("invalid cron expression: %v", err)
	}
	return nil
}

// CronHandler is a job body. Returning an error marks the run as failed.
type CronHandler func(ctx context.Context) (map[string]interface{}, error)

// CronJobInfo 对外暴露的任务描述
type CronJobInfo struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// CronJobHealth 单个任务的健康状态
type CronJobHealth struct {
	Name       string     `json:"name"`
	Expression string     `json:"expression"`
	Status     string     `json:"status"`
	LastRunAt  *time.Time `json:"lastRunAt"`
}

// CronHealth 聚合健康状态
type CronHealth struct {
	Status    string          `json:"status"`
	Threshold string          `json:"threshold"`
	Jobs      []CronJobHealth `json:"jobs"`
}

type cronJob struct {
	name       string
	expression string
	handler    CronHandler
}

// CronRegistry holds named jobs, runs them on schedule and on demand, and
// records every run as a job-tagged automation log row.
type CronRegistry struct {
	mu        sync.RWMutex
	jobs      map[string]*cronJob
	logs      *AutomationLogService
	logger    *logrus.Logger
	threshold time.Duration
	timeout   time.Duration
	now       func() time.Time

	runner *cron.Cron
}

// NewCronRegistry threshold is the recency window for "active" jobs.
func NewCronRegistry(logs *AutomationLogService, threshold, timeout time.Duration, logger *logrus.Logger) *CronRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	if threshold <= 0 {
		threshold = 26 * time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CronRegistry{
		jobs:      make(map[string]*cronJob),
		logs:      logs,
		logger:    logger,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Register adds a job. Names are unique.
func (r *CronRegistry) Register(name, expression string, handler CronHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidf("cron job name is required")
	}
	if handler == nil {
		return invalidf("cron job %s has no handler", name)
	}
	if err := ValidateCronExpression(expression); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return invalidf("cron job %s already registered", name)
	}
	r.jobs[name] = &cronJob{name: name, expression: expression, handler: handler}
	return nil
}

// List returns jobs ordered by name.
func (r *CronRegistry) List() []CronJobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CronJobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, CronJobInfo{Name: j.name, Expression: j.expression})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Trigger runs the named job synchronously and returns its error.
func (r *CronRegistry) Trigger(ctx context.Context, name string) error {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return notFoundf("cron job %q", name)
	}
	return r.run(ctx, job, "manual")
}

func (r *CronRegistry) run(ctx context.Context, job *cronJob, mode string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	var output map[string]interface{}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w: cron job %s panicked: %v", ErrInternal, job.name, rec)
			}
		}()
		output, err = job.handler(ctx)
	}()

	status := models.LogStatusSuccess
	if err != nil {
		status = models.LogStatusError
	}
	metrics.IncCronRun(job.name, status)
	r.recordRun(job, mode, start, output, err)

	entry := r.logger.WithFields(logrus.Fields{"cron_job": job.name, "mode": mode, "duration": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Warn("cron job failed")
	} else {
		entry.Debug("cron job completed")
	}
	return err
}

// recordRun writes the job heartbeat row (automationId 0) used by Health.
func (r *CronRegistry) recordRun(job *cronJob, mode string, start time.Time, output map[string]interface{}, runErr error) {
	if r.logs == nil {
		return
	}
	name := job.name
	if output == nil {
		output = map[string]interface{}{}
	}
	log := &models.AutomationLog{
		CronJob:    &name,
		Trigger:    cronTriggerTag,
		Status:     models.LogStatusSuccess,
		Input:      map[string]interface{}{"job": name, "expression": job.expression, "mode": mode},
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
		ExecutedAt: start,
	}
	if runErr != nil {
		msg := runErr.Error()
		log.Status = models.LogStatusError
		log.ErrorMessage = &msg
	}
	// 独立 context：handler 超时后仍要写入运行记录
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.logs.Record(ctx, log); err != nil {
		r.logger.WithError(err).WithField("cron_job", name).Warn("cron: record run failed")
	}
}

// Start schedules every registered job. Errors are logged, never raised.
func (r *CronRegistry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	for _, j := range r.jobs {
		job := j
		if _, err := c.AddFunc(job.expression, func() {
			_ = r.run(context.Background(), job, "scheduled")
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	c.Start()
	r.runner = c
	r.logger.WithField("jobs", len(r.jobs)).Info("cron scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (r *CronRegistry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.runner
	r.runner = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Health marks a job active when a run tagged with its name was logged within
// the threshold. Aggregate is healthy only when every job is active.
func (r *CronRegistry) Health(ctx context.Context) (*CronHealth, error) {
	jobs := r.List()
	h := &CronHealth{Status: CronHealthy, Threshold: r.threshold.String(), Jobs: make([]CronJobHealth, 0, len(jobs))}
	cutoff := r.now().Add(-r.threshold)
	for _, j := range jobs {
		jh := CronJobHealth{Name: j.Name, Expression: j.Expression, Status: CronJobIdle}
		if r.logs != nil {
			last, err := r.logs.LastRunForJob(ctx, j.Name)
			if err != nil {
				return nil, err
			}
			jh.LastRunAt = last
			if last != nil && last.After(cutoff) {
				jh.Status = CronJobActive
			}
		}
		if jh.Status != CronJobActive {
			h.Status = CronDegraded
		}
		h.Jobs = append(h.Jobs, jh)
	}
	return h, nil
}

// RegisterBuiltinJobs registers the scheduled-automation runner, log retention
// and exchange rate refresh. rates may be nil.
func RegisterBuiltinJobs(r *CronRegistry, engine *AutomationEngine, logs *AutomationLogService, rates *ExchangeRateCache, retentionDays int) error {
	if err := r.Register(JobScheduledAutomations, "* * * * *", engine.RunScheduled); err != nil {
		return err
	}
	if err := r.Register(JobLogCleanup, "0 3 * * *", func(ctx context.Context) (map[string]interface{}, error) {
		deleted, days, err := logs.CleanupExpired(ctx, retentionDays)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"deletedCount": deleted, "retentionDays": days}, nil
	}); err != nil {
		return err
	}
	if rates != nil {
		if err := r.Register(JobExchangeRateRefresh, "0 */6 * * *", rates.Refresh); err != nil {
			return err
		}
	}
	return nil
}
