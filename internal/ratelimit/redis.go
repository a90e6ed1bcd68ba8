package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/metrics"
)

// INCR and the first PEXPIRE run atomically so concurrent callers sharing a
// key never double count or leave a counter without expiry.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter shares fixed windows across instances through Redis.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	fallback *MemoryLimiter
	logger   *logrus.Logger
}

// NewRedisLimiter wraps client. Keys are stored under prefix + "ratelimit:".
func NewRedisLimiter(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisLimiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix + "ratelimit:",
		fallback: NewMemoryLimiter(time.Minute),
		logger:   logger,
	}
}

// Check counts one attempt in Redis. On any Redis failure it falls back to the
// in-process limiter and logs a warning.
func (r *RedisLimiter) Check(ctx context.Context, key string, maxAttempts int, win time.Duration) Result {
	if unlimited(maxAttempts, win) {
		return Result{Allowed: true, Remaining: -1}
	}

	count, ttl, err := r.incr(ctx, key, win)
	if err != nil {
		metrics.IncRateLimitBackendError()
		r.logger.WithError(err).WithField("key", key).Warn("rate limiter: redis unavailable, using in-memory window")
		return r.fallback.Check(ctx, key, maxAttempts, win)
	}

	if count > int64(maxAttempts) {
		return Result{Allowed: false, RetryAfterSeconds: retryAfterSeconds(ttl)}
	}
	return Result{Allowed: true, Remaining: maxAttempts - int(count)}
}

func (r *RedisLimiter) incr(ctx context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, win.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %T", res)
	}
	count, ok1 := vals[0].(int64)
	ttlMs, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script reply values %v", vals)
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Stop releases the fallback limiter's sweeper.
func (r *RedisLimiter) Stop() {
	r.fallback.Stop()
}
