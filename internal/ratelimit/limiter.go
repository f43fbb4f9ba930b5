// Package ratelimit implements a token bucket keyed by an arbitrary caller identifier.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Policy describes a bucket that holds Capacity tokens and refills all of them over Window.
type Policy struct {
	Name     string
	Capacity int
	Window   time.Duration
}

var (
	CouponValidation = Policy{Name: "coupon_validation", Capacity: 5, Window: time.Minute}
	OrderCreation    = Policy{Name: "order_creation", Capacity: 3, Window: 5 * time.Minute}
)

// refillPerMillisecond is the number of tokens added back per elapsed millisecond.
func (p Policy) refillPerMillisecond() float64 {
	return float64(p.Capacity) / float64(p.Window.Milliseconds())
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a minimum of one
// second whenever the request was rejected.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}
