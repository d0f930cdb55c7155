// Package ratelimit paces outbound provider calls with a token bucket so the
// worker pool never exceeds an upstream's request budget.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-provider rate limiting using token bucket algorithm.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a new rate limiter with the specified RPS and burst capacity.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(name string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[name]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[name]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[name] = limiter
	return limiter
}

// Allow returns true if a request for the named provider is allowed now.
func (l *Limiter) Allow(name string) bool {
	return l.getLimiter(name).Allow()
}

// Wait blocks until a request for the named provider is allowed or the
// context is cancelled.
func (l *Limiter) Wait(ctx context.Context, name string) error {
	return l.getLimiter(name).Wait(ctx)
}

// SetRPS updates the requests per second for all limiters.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
	}
}
