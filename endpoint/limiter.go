package endpoint

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled lazily on every call.  A failed
// acquisition is not an error: the caller moves on to another endpoint.
type Limiter struct {
	capacity float64
	refill   float64
	bucket   *rate.Limiter
	// fixed budget when refill is zero; rate.Limiter does not report tokens at a zero limit
	mu        sync.Mutex
	remaining int
}

// NewLimiter starts with a full bucket of capacity tokens.  A refillPerSecond of zero (or
// less) gives a fixed budget of capacity tokens that is never replenished.
func NewLimiter(capacity int, refillPerSecond float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	l := &Limiter{
		capacity: float64(capacity),
		refill:   refillPerSecond,
	}
	if refillPerSecond == 0 {
		l.remaining = capacity
	} else {
		l.bucket = rate.NewLimiter(rate.Limit(refillPerSecond), capacity)
	}
	return l
}

func (l *Limiter) TryAcquire() bool {
	return l.TryAcquireAt(time.Now())
}

func (l *Limiter) TryAcquireAt(now time.Time) bool {
	if l.bucket != nil {
		return l.bucket.AllowN(now, 1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining < 1 {
		return false
	}
	l.remaining--
	return true
}

// Available peeks without consuming.
func (l *Limiter) Available(now time.Time) bool {
	return 1 <= l.Tokens(now)
}

func (l *Limiter) Tokens(now time.Time) float64 {
	if l.bucket == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return float64(l.remaining)
	}
	t := l.bucket.TokensAt(now)
	if t < 0 {
		return 0
	}
	if l.capacity < t {
		return l.capacity
	}
	return t
}

func (l *Limiter) Capacity() float64 {
	return l.capacity
}

func (l *Limiter) RefillRate() float64 {
	return l.refill
}
