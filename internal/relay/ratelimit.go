package relay

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-connection request limits using a token bucket.
// The limit can be changed at runtime; existing buckets pick it up.
type RateLimiter struct {
	limiters sync.Map // connection id → *limiterEntry

	mu    sync.RWMutex
	r     rate.Limit
	burst int

	stop chan struct{}
	once sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	rl := &RateLimiter{stop: make(chan struct{})}
	rl.SetLimit(rpm, burst)
	go rl.cleanupLoop()
	return rl
}

// SetLimit changes the limit for new and existing connections.
func (rl *RateLimiter) SetLimit(rpm, burst int) {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}

	rl.mu.Lock()
	rl.r, rl.burst = r, burst
	rl.mu.Unlock()

	rl.limiters.Range(func(_, v any) bool {
		e := v.(*limiterEntry)
		e.limiter.SetLimit(r)
		e.limiter.SetBurst(burst)
		return true
	})
}

// Allow reports whether a request on connection key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	r, burst := rl.r, rl.burst
	rl.mu.RUnlock()
	if r == 0 {
		return true
	}

	entry := rl.getOrCreate(key, r, burst)
	entry.lastSeen = time.Now()
	if !entry.limiter.Allow() {
		slog.Warn("security.rate_limited", "conn", key)
		return false
	}
	return true
}

// Enabled returns true if limiting is active.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.r > 0
}

// Forget drops the bucket of a closed connection.
func (rl *RateLimiter) Forget(key string) {
	rl.limiters.Delete(key)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getOrCreate(key string, r rate.Limit, burst int) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(r, burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-10 * time.Minute))
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		if value.(*limiterEntry).lastSeen.Before(cutoff) {
			rl.limiters.Delete(key)
		}
		return true
	})
}
