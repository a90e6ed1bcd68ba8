package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"tradedesk/internal/config"
	appmetrics "tradedesk/internal/metrics"
)

// keyedLimiters holds one token bucket per client key.
type keyedLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.PathRateLimitConfig
}

func newKeyedLimiters(cfg config.PathRateLimitConfig) *keyedLimiters {
	return &keyedLimiters{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

func newBucket(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // 默认 burst 为一分钟的量
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

func (k *keyedLimiters) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[key]; ok {
		return l
	}
	l := newBucket(k.cfg.RequestsPerMinute, k.cfg.Burst)
	k.limiters[key] = l
	return l
}

func (k *keyedLimiters) matches(path string) bool {
	return k.cfg.Prefix != "" && strings.HasPrefix(path, k.cfg.Prefix)
}

func rejectTooMany(c *gin.Context, message string) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "Too Many Requests",
		"message": message,
	})
}

// RateLimitMiddleware limits requests per client key. Per-path overrides are
// matched first (first prefix wins), then the global limit applies.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var pathLimiters []*keyedLimiters
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 {
			continue
		}
		pathLimiters = append(pathLimiters, newKeyedLimiters(p))
	}
	var global *keyedLimiters
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiters(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := whitelist[c.ClientIP()]; ok {
			c.Next()
			return
		}
		key := clientKey(c, rl.KeyHeader)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		for _, pl := range pathLimiters {
			if !pl.matches(path) {
				continue
			}
			if !pl.get(key).Allow() {
				appmetrics.IncRateLimitDrop(pl.cfg.Prefix)
				rejectTooMany(c, "rate limit exceeded (path)")
				return
			}
			c.Next()
			return
		}

		if global != nil && !global.get(key).Allow() {
			appmetrics.IncRateLimitDrop("global")
			rejectTooMany(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// clientKey 优先使用配置的请求头，否则使用客户端 IP
func clientKey(c *gin.Context, header string) string {
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return ip
}
