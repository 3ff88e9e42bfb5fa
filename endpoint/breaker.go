package endpoint

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold   int
	Cooldown           time.Duration
	CooldownMultiplier float64
	MaxCooldown        time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   3,
		Cooldown:           10 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        2 * time.Minute,
	}
}

// withDefaults fills each unset field from DefaultBreakerConfig.
func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownMultiplier == 0 {
		c.CooldownMultiplier = d.CooldownMultiplier
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

// Breaker isolates one endpoint.  Closed -> Open after FailureThreshold consecutive
// failures; Open -> HalfOpen on the first Allow after the cooldown; the single
// HalfOpen trial decides between Closed and a fresh, longer Open period.
type Breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	state    BreakerState
	failures int
	openedAt time.Time
	cooldown time.Duration
	trial    bool
	now      func() time.Time
}

func NewBreaker(config BreakerConfig) *Breaker {
	return newBreakerWithClock(config, time.Now)
}

func newBreakerWithClock(config BreakerConfig, now func() time.Time) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.CooldownMultiplier < 1 {
		config.CooldownMultiplier = 1
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = config.Cooldown
	}
	return &Breaker{
		config:   config,
		state:    BreakerClosed,
		cooldown: config.Cooldown,
		now:      now,
	}
}

// Allow is checked right before a call.  It is the only place Open turns into HalfOpen.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trial = true
		return true
	case BreakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return false
	}
}

// Ready reports whether Allow would currently let a call through, without changing state.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return b.cooldown <= b.now().Sub(b.openedAt)
	case BreakerHalfOpen:
		return !b.trial
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = 0
		b.trial = false
		b.cooldown = b.config.Cooldown
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.config.FailureThreshold <= b.failures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.failures++
		b.trial = false
		b.state = BreakerOpen
		b.openedAt = b.now()
		next := time.Duration(float64(b.cooldown) * b.config.CooldownMultiplier)
		if b.config.MaxCooldown < next {
			next = b.config.MaxCooldown
		}
		b.cooldown = next
	}
}

// Release gives back a half-open trial whose call never produced a verdict.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trial = false
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}
