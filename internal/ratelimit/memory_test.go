package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryLimiter_ExhaustsAfterCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(CouponValidation).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < CouponValidation.Capacity; i++ {
		d, err := limiter.Allow(ctx, "customer-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should pass", i+1)
		assert.Equal(t, 0, d.RetryAfterSeconds())
	}

	d, err := limiter.Allow(ctx, "customer-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 12.0, d.RetryAfter.Seconds(), 0.01)
	assert.GreaterOrEqual(t, d.RetryAfterSeconds(), 12)
	assert.LessOrEqual(t, d.RetryAfterSeconds(), 13)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter(OrderCreation)
	ctx := context.Background()

	for i := 0; i < OrderCreation.Capacity; i++ {
		d, err := limiter.Allow(ctx, "111.222.333-44")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "111.222.333-44")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = limiter.Allow(ctx, "555.666.777-88")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_Refills(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(OrderCreation).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < OrderCreation.Capacity; i++ {
		_, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
	}
	d, _ := limiter.Allow(ctx, "k")
	require.False(t, d.Allowed)

	// one token every 100s for 3 per 5 minutes
	clock.Advance(101 * time.Second)
	d, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, _ = limiter.Allow(ctx, "k")
	assert.False(t, d.Allowed)

	clock.Advance(10 * time.Minute)
	for i := 0; i < OrderCreation.Capacity; i++ {
		d, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "bucket should be full again, attempt %d", i+1)
	}
}

func TestDecision_RetryAfterSecondsMinimum(t *testing.T) {
	d := Decision{Allowed: false, RetryAfter: 10 * time.Millisecond}
	assert.Equal(t, 1, d.RetryAfterSeconds())
}
