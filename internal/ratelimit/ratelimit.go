// Package ratelimit bounds how often a key (user, automation, IP) may perform
// an action within a fixed time window.
//
// Limiters never return errors: callers depend on a boolean. When a backing
// store is unavailable the Redis limiter degrades to per-process limiting
// (fail open into the in-memory limiter) instead of rejecting traffic.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"time"
)

// Result is the outcome of a single Check.
type Result struct {
	Allowed bool `json:"allowed"`
	// RetryAfterSeconds is the minimum wait before a retry could succeed.
	// Zero when Allowed is true.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
	Remaining         int `json:"remaining"`
}

// Limiter checks and counts one attempt for key.
type Limiter interface {
	Check(ctx context.Context, key string, maxAttempts int, window time.Duration) Result
}

// Key builds "<action>:<actor>[:<resource>...]".
func Key(action, actor string, resource ...string) string {
	parts := make([]string, 0, 2+len(resource))
	parts = append(parts, action, actor)
	for _, r := range resource {
		if r != "" {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, ":")
}

func retryAfterSeconds(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// unlimited reports whether the parameters disable limiting altogether.
func unlimited(maxAttempts int, window time.Duration) bool {
	return maxAttempts <= 0 || window <= 0
}
