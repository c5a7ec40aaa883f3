package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter gates how fast submissions enter the system. It wraps a token
// bucket with a lock so limits can be retuned while submitters are queued on
// Wait.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter creates a RateLimiter admitting rps events per second with
// the given burst headroom. Burst covers the momentary spikes an archive
// fan-out produces without raising the steady rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the limiter admits one event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits retunes the rate and burst at runtime. Waiters admitted under
// the old limits are unaffected.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
