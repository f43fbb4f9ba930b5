package retry

import (
	"math"
	"time"
)

type Policy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxAttempts    int
}

var DefaultPolicy = Policy{
	InitialBackoff: 30 * time.Second,
	Multiplier:     2,
	MaxAttempts:    5,
}

// Backoff is the wait after the given failed attempt (1-based) before the next one:
// InitialBackoff * Multiplier^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
