package services

import (
	"errors"
	"fmt"
)

// 错误分类，调用方使用 errors.Is 判断
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrExecutorFailure = errors.New("executor failure")
	ErrProvider        = errors.New("provider error")
	ErrInternal        = errors.New("internal error")
)

// invalidf wraps ErrInvalidInput with a caller-facing message.
func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// RateLimitError is returned when a limiter rejected the call.
type RateLimitError struct {
	Key        string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ExecutionError carries the id of the log row written for a failed execution.
type ExecutionError struct {
	LogID uint
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("automation execution failed (log %d): %v", e.LogID, e.Err)
}

// Unwrap exposes both ErrExecutorFailure and the underlying cause.
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutorFailure, e.Err}
}

// ProviderError wraps an upstream AI/Telegram/HTTP failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }
