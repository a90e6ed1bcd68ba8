package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"tradedesk/internal/models"
)

// ExecutionRequest is what an executor receives for one attempt.
type ExecutionRequest struct {
	Automation *models.Automation
	Config     map[string]interface{}
	Input      map[string]interface{}
	Trigger    string
	ActorID    uint
}

// ExecutionResult is merged into the log's output column.
type ExecutionResult struct {
	Output map[string]interface{}
}

// ActionExecutor performs one action type.
type ActionExecutor interface {
	Type() string
	// Validate checks the action config shape before anything is stored or dispatched.
	Validate(cfg map[string]interface{}) error
	// Describe returns what the action would do, without side effects.
	Describe(cfg map[string]interface{}) string
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ActionRegistry 按 actionType 查找执行器
type ActionRegistry struct {
	mu        sync.RWMutex
	executors map[string]ActionExecutor
}

func NewActionRegistry(executors ...ActionExecutor) *ActionRegistry {
	r := &ActionRegistry{executors: make(map[string]ActionExecutor)}
	for _, e := range executors {
		r.executors[e.Type()] = e
	}
	return r
}

// Register adds or replaces the executor for e.Type().
func (r *ActionRegistry) Register(e ActionExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

func (r *ActionRegistry) Get(actionType string) (ActionExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[actionType]
	return e, ok
}

// Types 返回已注册的动作类型（排序）
func (r *ActionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate resolves the executor and validates cfg against it.
func (r *ActionRegistry) Validate(actionType string, cfg map[string]interface{}) error {
	e, ok := r.Get(actionType)
	if !ok {
		return invalidf("unsupported action type %q (available: %s)", actionType, strings.Join(r.Types(), ", "))
	}
	if err := e.Validate(cfg); err != nil {
		return invalidf("%s config: %v", actionType, err)
	}
	return nil
}

// templateRenderer renders liquid templates found in action configs.
type templateRenderer struct {
	engine *liquid.Engine
}

func newTemplateRenderer() *templateRenderer {
	return &templateRenderer{engine: liquid.NewEngine()}
}

// render leaves strings without template markup untouched.
func (t *templateRenderer) render(tpl string, req ExecutionRequest) (string, error) {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl, nil
	}
	out, err := t.engine.ParseAndRenderString(tpl, templateBindings(req))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func templateBindings(req ExecutionRequest) map[string]interface{} {
	b := map[string]interface{}{
		"input":   req.Input,
		"trigger": req.Trigger,
	}
	if req.Automation != nil {
		b["automation"] = map[string]interface{}{
			"id":   req.Automation.ID,
			"name": req.Automation.Name,
		}
	}
	// 顶层也可直接访问输入字段，例如 {{ reference }}
	for k, v := range req.Input {
		if _, taken := b[k]; !taken {
			b[k] = v
		}
	}
	return b
}

func cfgString(cfg map[string]interface{}, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// cfgStrings accepts a string (comma separated) or a list.
func cfgStrings(cfg map[string]interface{}, key string) []string {
	var raw []string
	switch v := cfg[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []interface{}:
		for _, it := range v {
			raw = append(raw, fmt.Sprint(it))
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cfgMap(cfg map[string]interface{}, key string) map[string]interface{} {
	if m, ok := cfg[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func cfgBool(cfg map[string]interface{}, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// cfgFloat accepts JSON numbers from requests (float64) and from stored
// JSONMap columns (json.Number).
func cfgFloat(cfg map[string]interface{}, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// plainJSON converts json.Number values (datatypes.JSONMap decodes with
// UseNumber) into int64 or float64 so expressions and executors see numbers.
func plainJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plainJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = plainJSON(val)
		}
		return out
	default:
		return v
	}
}

// toUint converts JSON numbers and numeric strings into an id.
func toUint(v interface{}) (uint, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 && n == float64(uint(n)) {
			return uint(n), true
		}
	case int:
		if n > 0 {
			return uint(n), true
		}
	case int64:
		if n > 0 {
			return uint(n), true
		}
	case uint:
		return n, n > 0
	case json.Number:
		if i, err := n.Int64(); err == nil && i > 0 {
			return uint(i), true
		}
	case string:
		if i, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64); err == nil && i > 0 {
			return uint(i), true
		}
	}
	return 0, false
}
