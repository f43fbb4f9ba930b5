package coupon

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("coupon not found")

type DiscountType string

const (
	Percentage DiscountType = "percentage"
	Fixed      DiscountType = "fixed"
	FixedPrice DiscountType = "fixed_price"
)

func (t DiscountType) Valid() bool {
	switch t {
	case Percentage, Fixed, FixedPrice:
		return true
	default:
		return false
	}
}

type Coupon struct {
	ID           uuid.UUID
	TenantID     string
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	Active       bool
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	CurrentUses  int
	MaxUses      *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Usage is written once per paid order that carried a coupon.
type Usage struct {
	ID            uuid.UUID
	CouponID      uuid.UUID
	OrderID       uuid.UUID
	CustomerEmail string
	Discount      decimal.Decimal
	CreatedAt     time.Time
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var hundred = decimal.NewFromInt(100)

// ApplyDiscount returns the price after the discount and the discount itself.
// The final price is clamped to [0, base] before the discount is derived from it,
// so final + discount always equals base.
func ApplyDiscount(discountType DiscountType, value, base decimal.Decimal) (final, discount decimal.Decimal) {
	base = base.Round(2)

	switch discountType {
	case Percentage:
		final = base.Mul(decimal.NewFromInt(1).Sub(value.Div(hundred)))
	case Fixed:
		final = base.Sub(value)
	case FixedPrice:
		final = value
	default:
		final = base
	}

	if final.IsNegative() {
		final = decimal.Zero
	}
	if final.GreaterThan(base) {
		final = base
	}

	final = final.Round(2)
	discount = base.Sub(final).Round(2)
	return final, discount
}
