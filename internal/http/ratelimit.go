package http

import (
	"sync"
	"sync/atomic"
	"time"
)

// Mutating requests are operator actions here (saving a configuration,
// processing a period snapshot), not end-user traffic, so the budget per
// client is deliberately small.
const (
	mutationRateLimit  = 30
	mutationRateWindow = time.Minute
)

// rateLimiter throttles requests per client IP over a fixed window.
type rateLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	clients      map[string]*clientWindow
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		limit:       limit,
		window:      window,
		clients:     make(map[string]*clientWindow),
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// cleanupLoop drops windows that expired long ago so the client map does
// not grow with every IP ever seen.
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.dropExpired()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *rateLimiter) dropExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	for ip, cw := range rl.clients {
		if cw.start.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// stop shuts down the cleanup goroutine.
func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// allow reports whether a request from the given IP fits into its current
// window. Requests past the limit trip the metric.
func (rl *rateLimiter) allow(clientIP string, metrics *securityMetrics) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cw, ok := rl.clients[clientIP]
	if !ok || now.Sub(cw.start) >= rl.window {
		rl.clients[clientIP] = &clientWindow{start: now, count: 1}
		return true
	}

	cw.count++
	if cw.count > rl.limit {
		if metrics != nil {
			atomic.AddInt64(&metrics.rateLimitHits, 1)
		}
		return false
	}
	return true
}
