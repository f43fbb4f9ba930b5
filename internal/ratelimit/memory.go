package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter keeps buckets in process memory. It is used for local runs and tests;
// replicas do not share state.
type MemoryLimiter struct {
	policy  Policy
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.policy.Capacity)
	rate := l.policy.refillPerMillisecond()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		l.buckets[key] = b
	}

	elapsed := float64(now.Sub(b.last).Milliseconds())
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}

	wait := math.Ceil((1 - b.tokens) / rate)
	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}
