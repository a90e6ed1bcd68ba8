package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"tradedesk/internal/models"
)

// Event is a domain event that may fire automations.
type Event struct {
	Type    string                 `json:"type"`
	UserID  uint                   `json:"userId"`
	Data    map[string]interface{} `json:"data"`
	HookKey string                 `json:"-"`
	CronJob string                 `json:"-"`
	At      time.Time              `json:"-"`
}

// ConditionCheck is one evaluated rule.
type ConditionCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ConditionResult 条件评估结果
type ConditionResult struct {
	Passed bool             `json:"passed"`
	Checks []ConditionCheck `json:"checks"`
}

func (r *ConditionResult) add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, ConditionCheck{Name: name, Passed: passed, Detail: detail})
	if !passed {
		r.Passed = false
	}
}

// FieldFilter compares a gjson path in the event data with a value.
type FieldFilter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// ConditionEvaluator evaluates triggerConfig against events. Compiled expr
// programs are cached by source.
type ConditionEvaluator struct {
	mu     sync.RWMutex
	cache  map[string]*vm.Program
	parser cron.Parser
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{
		cache:  make(map[string]*vm.Program),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// EvalOptions 控制评估行为
type EvalOptions struct {
	// Simulated skips checks that depend on delivery context (hook key, schedule tick).
	Simulated bool
}

// Evaluate runs every configured condition; all must pass.
func (c *ConditionEvaluator) Evaluate(a *models.Automation, evt Event, opts EvalOptions) ConditionResult {
	res := ConditionResult{Passed: true, Checks: []ConditionCheck{}}
	cfg := map[string]interface{}(a.TriggerConfig)
	data := evt.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	if evt.Type != "" && evt.Type != a.TriggerType {
		res.add("triggerType", false, fmt.Sprintf("event %q does not match trigger %q", evt.Type, a.TriggerType))
		return res
	}

	switch a.TriggerType {
	case models.TriggerProcessStatusChange:
		c.checkStatus(&res, cfg, "fromStatus", data, "oldStatus")
		c.checkStatus(&res, cfg, "toStatus", data, "newStatus")
	case models.TriggerWebhook:
		if !opts.Simulated {
			want := cfgString(cfg, "hookKey")
			res.add("hookKey", want != "" && want == evt.HookKey, "")
		}
	case models.TriggerSchedule:
		if !opts.Simulated {
			due, detail := c.scheduleDue(cfgString(cfg, "cron"), evt.At)
			res.add("schedule", due, detail)
		}
	}

	if raw, ok := cfg["filters"]; ok && raw != nil {
		filters, err := decodeFilters(raw)
		if err != nil {
			res.add("filters", false, err.Error())
		} else if len(filters) > 0 {
			payload, _ := json.Marshal(data)
			for _, f := range filters {
				ok, detail := evaluateFilter(f, payload)
				res.add("filter:"+f.Field, ok, detail)
			}
		}
	}

	if src := cfgString(cfg, "expression"); src != "" {
		ok, err := c.evalExpression(src, data)
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		res.add("expression", ok, detail)
	}
	return res
}

func (c *ConditionEvaluator) checkStatus(res *ConditionResult, cfg map[string]interface{}, key string, data map[string]interface{}, field string) {
	allowed := cfgStrings(cfg, key)
	if len(allowed) == 0 {
		return
	}
	actual := fmt.Sprint(data[field])
	if data[field] == nil {
		actual = ""
	}
	for _, s := range allowed {
		if s == actual {
			res.add(key, true, "")
			return
		}
	}
	res.add(key, false, fmt.Sprintf("%s=%q not in %v", field, actual, allowed))
}

func (c *ConditionEvaluator) scheduleDue(expression string, at time.Time) (bool, string) {
	if expression == "" {
		return false, "no cron expression configured"
	}
	sched, err := c.parser.Parse(expression)
	if err != nil {
		return false, err.Error()
	}
	if at.IsZero() {
		at = time.Now()
	}
	minute := at.Truncate(time.Minute)
	if sched.Next(minute.Add(-time.Nanosecond)).Equal(minute) {
		return true, ""
	}
	return false, "not due at " + minute.Format(time.RFC3339)
}

// Compile checks that an expression is valid before it is stored.
func (c *ConditionEvaluator) Compile(src string) error {
	_, err := c.program(src)
	return err
}

// program compiles without a typed env: event payloads vary per trigger, and
// missing fields evaluate to nil.
func (c *ConditionEvaluator) program(src string) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.cache[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	c.mu.Lock()
	c.cache[src] = p
	c.mu.Unlock()
	return p, nil
}

func (c *ConditionEvaluator) evalExpression(src string, data map[string]interface{}) (bool, error) {
	p, err := c.program(src)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, data)
	if err != nil {
		return false, fmt.Errorf("run expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

func decodeFilters(raw interface{}) ([]FieldFilter, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var filters []FieldFilter
	if err := json.Unmarshal(b, &filters); err != nil {
		return nil, fmt.Errorf("filters must be a list of {field, op, value}")
	}
	for _, f := range filters {
		if f.Field == "" {
			return nil, fmt.Errorf("filter field is required")
		}
		switch f.Op {
		case "eq", "neq", "contains", "in", "gt", "lt", "exists":
		default:
			return nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return filters, nil
}

func evaluateFilter(f FieldFilter, payload []byte) (bool, string) {
	got := gjson.GetBytes(payload, f.Field)
	if f.Op == "exists" {
		want := true
		if b, ok := f.Value.(bool); ok {
			want = b
		}
		return got.Exists() == want, ""
	}
	if !got.Exists() {
		return f.Op == "neq", "field missing"
	}
	expected := fmt.Sprint(f.Value)

	switch f.Op {
	case "eq":
		return got.String() == expected, ""
	case "neq":
		return got.String() != expected, ""
	case "contains":
		if got.IsArray() {
			for _, it := range got.Array() {
				if it.String() == expected {
					return true, ""
				}
			}
			return false, ""
		}
		return strings.Contains(got.String(), expected), ""
	case "in":
		list, ok := f.Value.([]interface{})
		if !ok {
			return false, "value must be a list"
		}
		for _, it := range list {
			if fmt.Sprint(it) == got.String() {
				return true, ""
			}
		}
		return false, ""
	case "gt", "lt":
		want, err := strconv.ParseFloat(expected, 64)
		if err != nil {
			return false, "value must be numeric"
		}
		if got.Type != gjson.Number && got.Type != gjson.String {
			return false, "field is not numeric"
		}
		have := got.Float()
		if f.Op == "gt" {
			return have > want, ""
		}
		return have < want, ""
	}
	return false, "unsupported op"
}
