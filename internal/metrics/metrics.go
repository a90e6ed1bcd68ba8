package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector exposed by the service.
var Registry = prometheus.NewRegistry()

var (
	rateLimitDrops = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradedesk",
		Name:      "rate_limit_drops_total",
		Help:      "Requests rejected by a rate limiter.",
	}, []string{"scope"})

	rateLimitBackendErrors = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "tradedesk",
		Name:      "rate_limit_backend_errors_total",
		Help:      "Rate limiter backing store failures (fell back to in-memory).",
	})

	automationExecutions = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "automation",
		Name:      "executions_total",
		Help:      "Automation executions by action type, mode and status.",
	}, []string{"action_type", "mode", "status"})

	automationDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradedesk",
		Subsystem: "automation",
		Name:      "execution_duration_seconds",
		Help:      "Executor latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action_type"})

	automationDetachedErrors = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "automation",
		Name:      "detached_errors_total",
		Help:      "Errors captured by fire-and-forget trigger dispatch.",
	}, []string{"stage"})

	cronRuns = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "cron",
		Name:      "runs_total",
		Help:      "Cron job runs by job and status.",
	}, []string{"job", "status"})
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
// Kept simple/thread-safe for use from middlewares and exposition.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
	rateLimitDrops.WithLabelValues(prefix).Inc()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

func IncRateLimitBackendError() {
	rateLimitBackendErrors.Inc()
}

// ObserveAutomationExecution records one executor run. mode is "event", "manual" or "cron".
func ObserveAutomationExecution(actionType, mode, status string, elapsed time.Duration) {
	automationExecutions.WithLabelValues(actionType, mode, status).Inc()
	automationDuration.WithLabelValues(actionType).Observe(elapsed.Seconds())
}

// IncDetachedError counts an error swallowed by detached trigger dispatch.
func IncDetachedError(stage string) {
	automationDetachedErrors.WithLabelValues(stage).Inc()
}

func IncCronRun(job, status string) {
	cronRuns.WithLabelValues(job, status).Inc()
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
