package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int     // maximum burst size
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether one operation may proceed now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
		if r.tokens > float64(r.burst) {
			r.tokens = float64(r.burst)
		}
		r.lastRefill = now
	}

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = r.now()
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedRateLimiter keeps one token bucket per key (an identity).
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	now      func() time.Time
}

// NewKeyedRateLimiter creates a per-key rate limiter. A rate of zero or
// less disables limiting.
func NewKeyedRateLimiter(rate float64, burst int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (k *KeyedRateLimiter) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

// Allow reports whether an operation for key may proceed.
func (k *KeyedRateLimiter) Allow(key string) bool {
	if k == nil || k.rate <= 0 {
		return true
	}

	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newRateLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

// Prune drops buckets untouched for longer than idle and returns how many
// were removed.
func (k *KeyedRateLimiter) Prune(idle time.Duration) int {
	if k == nil {
		return 0
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	removed := 0
	for key, limiter := range k.limiters {
		if now.Sub(limiter.idleSince()) > idle {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
