package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/ratelimit"
)

const (
	ReasonRequired      = "coupon code is required"
	ReasonNotFound      = "coupon not found"
	ReasonInactive      = "coupon is inactive"
	ReasonNotYetValid   = "coupon is not yet valid"
	ReasonExpired       = "coupon has expired"
	ReasonExhausted     = "coupon usage limit reached"
	ReasonUnsupported   = "coupon has an unsupported discount type"
	ReasonTooManyChecks = "too many coupon attempts, try again later"
)

type Result struct {
	Valid             bool
	Code              string
	FinalPrice        decimal.Decimal
	Discount          decimal.Decimal
	Reason            string
	RetryAfterSeconds int
	Coupon            *Coupon
}

func invalid(code, reason string) Result {
	return Result{Valid: false, Code: code, Reason: reason}
}

type Validator struct {
	repo     Repository
	limiter  ratelimit.Limiter
	tenantID string
	now      func() time.Time
}

func NewValidator(repo Repository, limiter ratelimit.Limiter, tenantID string) *Validator {
	return &Validator{
		repo:     repo,
		limiter:  limiter,
		tenantID: tenantID,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate is the rate-limited preview used by the checkout page. Rejections are
// reported in the Result; the error is reserved for storage failures.
func (v *Validator) Validate(ctx context.Context, code string, basePrice decimal.Decimal, customerKey string) (Result, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return invalid(normalized, ReasonRequired), nil
	}

	decision, err := v.limiter.Allow(ctx, customerKey)
	if err != nil {
		log.Warn().Err(err).Str("customer_key", customerKey).Msg("coupon: rate limiter unavailable, allowing attempt")
	} else if !decision.Allowed {
		res := invalid(normalized, ReasonTooManyChecks)
		res.RetryAfterSeconds = decision.RetryAfterSeconds()
		return res, nil
	}

	c, err := v.repo.GetByCode(ctx, v.tenantID, normalized)
	return v.evaluate(normalized, basePrice, c, err)
}

// Evaluate is the authoritative check run inside order creation. It locks the coupon
// row for the surrounding transaction and is not rate limited.
func (v *Validator) Evaluate(ctx context.Context, code string, basePrice decimal.Decimal) (Result, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return invalid(normalized, ReasonRequired), nil
	}

	c, err := v.repo.GetByCodeForShare(ctx, v.tenantID, normalized)
	return v.evaluate(normalized, basePrice, c, err)
}

func (v *Validator) evaluate(code string, basePrice decimal.Decimal, c *Coupon, lookupErr error) (Result, error) {
	if errors.Is(lookupErr, ErrNotFound) {
		return invalid(code, ReasonNotFound), nil
	}
	if lookupErr != nil {
		return Result{}, fmt.Errorf("coupon: failed to look up %s: %w", code, lookupErr)
	}

	if reason := rejectReason(c, v.now()); reason != "" {
		return invalid(code, reason), nil
	}

	final, discount := ApplyDiscount(c.DiscountType, c.Value, basePrice)
	return Result{
		Valid:      true,
		Code:       code,
		FinalPrice: final,
		Discount:   discount,
		Coupon:     c,
	}, nil
}

func rejectReason(c *Coupon, now time.Time) string {
	switch {
	case !c.Active:
		return ReasonInactive
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return ReasonNotYetValid
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return ReasonExpired
	case c.MaxUses != nil && c.CurrentUses >= *c.MaxUses:
		return ReasonExhausted
	case !c.DiscountType.Valid():
		return ReasonUnsupported
	default:
		return ""
	}
}
