package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is the retry budget and exponential backoff applied uniformly by
// the dispatcher to transient stage failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to ±Jitter (0..1) of its value.
	Jitter float64
}

// DefaultPolicy mirrors the worker defaults: three attempts, doubling from
// five seconds, capped at ten minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Minute,
	}
}

// Exhausted reports whether attempt (1-based) was the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns how long to wait before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
