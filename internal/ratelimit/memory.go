package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
	ttl   time.Duration
}

// MemoryLimiter is a fixed-window limiter kept in process memory.
// It is safe for concurrent use; the check and increment happen under one lock.
type MemoryLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter creates a limiter and starts a background sweep of expired
// windows every cleanupInterval. Pass 0 to disable the sweep.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanup(cleanupInterval)
	}
	return m
}

// Check counts one attempt for key. Once maxAttempts attempts were accepted in
// the current window every further attempt is rejected until the window ends.
func (m *MemoryLimiter) Check(_ context.Context, key string, maxAttempts int, win time.Duration) Result {
	if unlimited(maxAttempts, win) {
		return Result{Allowed: true, Remaining: -1}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(w.ttl)) {
		w = &window{start: now, ttl: win}
		m.windows[key] = w
	}

	if w.count >= maxAttempts {
		return Result{
			Allowed:           false,
			RetryAfterSeconds: retryAfterSeconds(w.start.Add(w.ttl).Sub(now)),
		}
	}
	w.count++
	return Result{Allowed: true, Remaining: maxAttempts - w.count}
}


func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, w := range m.windows {
		if !now.Before(w.start.Add(w.ttl)) {
			delete(m.windows, key)
		}
	}
}

func (m *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (m *MemoryLimiter) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
