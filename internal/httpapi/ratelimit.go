package httpapi

import (
	"sync"
	"time"

	"github.com/taskmesh/engine/internal/resilience"
)

// PerKeyLimiter pools one token-bucket-plus-sliding-window limiter per
// caller key (API key, user id, or source IP), adapted from
// services/api-gateway/rate_limiter_hybrid.go's PerKeyRateLimiter, with
// internal/resilience.RateLimiter standing in for that file's hand-rolled
// HybridRateLimiter so the engine's one rate-limiting primitive is reused
// instead of duplicated.
type PerKeyLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*resilience.RateLimiter

	capacity     int64
	fillRate     float64
	windowDur    time.Duration
	maxPerWindow int64

	lastCleanup   time.Time
	cleanupPeriod time.Duration
}

// NewPerKeyLimiter configures a pool whose members are all built with the
// same capacity/fillRate/window parameters.
func NewPerKeyLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *PerKeyLimiter {
	return &PerKeyLimiter{
		limiters:      make(map[string]*resilience.RateLimiter),
		capacity:      capacity,
		fillRate:      fillRate,
		windowDur:     windowDur,
		maxPerWindow:  maxPerWindow,
		lastCleanup:   time.Now(),
		cleanupPeriod: 10 * time.Minute,
	}
}

// Allow consumes one token from key's limiter, creating it on first use.
func (p *PerKeyLimiter) Allow(key string) bool {
	return p.limiterFor(key).Allow()
}

func (p *PerKeyLimiter) limiterFor(key string) *resilience.RateLimiter {
	p.mu.RLock()
	lim, ok := p.limiters[key]
	p.mu.RUnlock()
	if ok {
		return lim
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[key]; ok {
		return lim
	}
	lim = resilience.NewRateLimiter(p.capacity, p.fillRate, p.windowDur, p.maxPerWindow)
	p.limiters[key] = lim

	now := time.Now()
	if now.Sub(p.lastCleanup) > p.cleanupPeriod {
		p.lastCleanup = now
		p.cleanupLocked()
	}
	return lim
}

// cleanupLocked drops every tracked key once the pool grows past a
// reasonable bound, since the limiter itself carries no last-used
// timestamp to evict on individually. Caller holds p.mu.
func (p *PerKeyLimiter) cleanupLocked() {
	const maxTracked = 50000
	if len(p.limiters) <= maxTracked {
		return
	}
	p.limiters = make(map[string]*resilience.RateLimiter)
}

// TrackedKeys reports how many distinct keys currently have a limiter.
func (p *PerKeyLimiter) TrackedKeys() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}
