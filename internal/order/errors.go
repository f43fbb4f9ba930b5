package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductInactive     = errors.New("product is not available for sale")
	ErrNonPositivePrice    = errors.New("final price must be greater than zero")
	ErrInvalidInstallments = errors.New("installments must be between 1 and 12")
	ErrInvalidPayment      = errors.New("unsupported payment method")
	ErrGatewayFailed       = errors.New("payment provider request failed")
)

// CouponRejectedError is returned when the coupon on a checkout fails the
// authoritative check. Nothing is written.
type CouponRejectedError struct {
	Code   string
	Reason string
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Reason)
}

type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many orders, retry in %d seconds", e.RetryAfterSeconds)
}
