// Package ratelimit provides the per-key token-bucket limiter used both at
// the command API boundary (A7, one bucket per authenticated user) and at
// the vision fan-out boundary (C4's 500 ms stagger floor plus an optional
// aggregate leaky bucket).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token-bucket limiter per key (user id, or a fixed
// key for a process-global limiter), lazily created on first use.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewKeyedLimiter builds a limiter allowing ratePerSecond sustained requests
// per key with a burst allowance of burst.
func NewKeyedLimiter(ratePerSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.rate, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether a request for key may proceed now, consuming one
// token if so.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// RatePerSecond exposes the configured sustained rate, for error messages
// that report the limit that was exceeded.
func (k *KeyedLimiter) RatePerSecond() float64 {
	return float64(k.rate)
}

// Reset drops all per-key limiters once the map grows unreasonably large,
// matching the teacher's periodic-cleanup convention for long-lived
// processes with many distinct keys.
func (k *KeyedLimiter) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.limiters) > 10000 {
		k.limiters = make(map[string]*rate.Limiter)
	}
}

// StaggerFloor enforces a minimum gap between successive calls sharing one
// key (the vision API key). Unlike KeyedLimiter.Allow, Wait blocks the
// caller until a token is available rather than rejecting — the fan-out
// wants to proceed after the floor elapses, not fail.
type StaggerFloor struct {
	limiter *rate.Limiter
}

// NewStaggerFloor returns a limiter permitting at most one call per gap,
// with a burst of 1 so the first call never waits.
func NewStaggerFloor(gap time.Duration) *StaggerFloor {
	return &StaggerFloor{limiter: rate.NewLimiter(rate.Every(gap), 1)}
}

// Wait blocks until the stagger floor allows the next call, or ctx is done.
func (s *StaggerFloor) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
