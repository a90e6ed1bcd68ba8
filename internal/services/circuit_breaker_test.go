package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
)

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("test", config.CircuitBreakerConfig{
		MaxFailures:     2,
		ResetTimeout:    time.Minute,
		HalfOpenMaxReqs: 1,
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	boom := errors.New("boom")

	require.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, boom, cb.Execute(func() error { return boom }, nil))
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, boom, cb.Execute(func() error { return boom }, nil))
	require.Equal(t, BreakerOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	require.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	// 半开状态只放行一个试探请求
	assert.False(t, cb.Allow())

	cb.OnSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	cb.OnFailure()
	cb.OnFailure()
	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreaker_NonCountableErrors(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	skip := func(err error) bool { return !errors.Is(err, ErrInvalidInput) }
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return invalidf("bad prompt") }, skip)
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(99).String())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("agent", config.CircuitBreakerConfig{})
	stats := cb.Stats()
	assert.Equal(t, 5, stats["max_failures"])
	assert.Equal(t, "1m0s", stats["reset_timeout"])
	assert.Equal(t, "agent", stats["name"])
}
