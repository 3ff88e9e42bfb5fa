package retry

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// fraction of the delay added or removed at random, 0 disables
	Jitter      float64
	MaxAttempts int
	// age of the job's first attempt after which it is abandoned, 0 disables
	MaxAge        time.Duration
	DrainInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     time.Second,
		Multiplier:    2,
		MaxDelay:      time.Minute,
		Jitter:        0.1,
		MaxAttempts:   5,
		MaxAge:        30 * time.Minute,
		DrainInterval: 250 * time.Millisecond,
	}
}

// Backoff is min(MaxDelay, BaseDelay * Multiplier^(attempts-1)) without jitter.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if math.IsInf(d, 0) || float64(p.MaxDelay) < d {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay applies jitter to Backoff.  r must return values in [0,1).
func (p Policy) Delay(attempts int, r func() float64) time.Duration {
	d := p.Backoff(attempts)
	if p.Jitter <= 0 || r == nil {
		return d
	}
	f := 1 + p.Jitter*(2*r()-1)
	return time.Duration(float64(d) * f)
}

func defaultRandom() func() float64 {
	return rand.New(rand.NewSource(time.Now().UnixNano())).Float64
}
