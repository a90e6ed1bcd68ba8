package services

import (
	"errors"
	"sync"
	"time"

	"tradedesk/internal/config"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards an upstream provider. After MaxFailures consecutive
// failures it opens for ResetTimeout, then lets HalfOpenMaxReqs trial requests through.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
}

// NewCircuitBreaker 根据配置创建熔断器，零值字段使用默认值
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMaxReqs,
		now:          time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 60 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 1
	}
	return cb
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMax {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess 记录成功请求
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败请求
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// Execute runs fn when the breaker allows it and records the outcome.
// Errors for which countable returns false (e.g. caller input errors) do not trip the breaker.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return err
}

// State 获取当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 获取熔断器统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":          cb.name,
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"max_failures":  cb.maxFailures,
		"reset_timeout": cb.resetTimeout.String(),
	}
}
