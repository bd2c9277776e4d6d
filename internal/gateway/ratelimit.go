package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client requests-per-minute cap.
type RateLimiter struct {
	mu       sync.Mutex
	rpm      int
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rpm > 0
}

// Allow reports whether the keyed client may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	if r.rpm <= 0 {
		r.mu.Unlock()
		return true
	}
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// SetRPM changes the rate and resets per-client state.
func (r *RateLimiter) SetRPM(rpm int) {
	r.mu.Lock()
	if rpm != r.rpm {
		r.rpm = rpm
		r.limiters = make(map[string]*rate.Limiter)
	}
	r.mu.Unlock()
}

// Forget drops a client's limiter state.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
