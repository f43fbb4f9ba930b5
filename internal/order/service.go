package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/coupon"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
	"github.com/vasiliy-maslov/course-checkout/internal/gateway"
	"github.com/vasiliy-maslov/course-checkout/internal/product"
	"github.com/vasiliy-maslov/course-checkout/internal/ratelimit"
)

// CouponEvaluator is the authoritative coupon check. It must join the
// transaction carried by ctx.
type CouponEvaluator interface {
	Evaluate(ctx context.Context, code string, basePrice decimal.Decimal) (coupon.Result, error)
}

type CheckoutResult struct {
	Order      *Order
	Breakdown  PriceBreakdown
	PaymentID  string
	InvoiceURL string
}

type Service interface {
	CreatePendingOrder(ctx context.Context, input CreateOrderInput) (*Order, PriceBreakdown, error)
	Checkout(ctx context.Context, input CreateOrderInput) (*CheckoutResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
}

type service struct {
	orderRepo Repository
	products  product.Repository
	coupons   CouponEvaluator
	limiter   ratelimit.Limiter
	tx        db.Transactor
	gateway   gateway.Gateway
	tenantID  string
	now       func() time.Time
}

type Deps struct {
	Orders   Repository
	Products product.Repository
	Coupons  CouponEvaluator
	Limiter  ratelimit.Limiter
	Tx       db.Transactor
	Gateway  gateway.Gateway
	TenantID string
	Now      func() time.Time
}

func NewService(d Deps) Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		orderRepo: d.Orders,
		products:  d.Products,
		coupons:   d.Coupons,
		limiter:   d.Limiter,
		tx:        d.Tx,
		gateway:   d.Gateway,
		tenantID:  d.TenantID,
		now:       now,
	}
}

func (s *service) CreatePendingOrder(ctx context.Context, input CreateOrderInput) (*Order, PriceBreakdown, error) {
	if !input.PaymentMethod.Valid() {
		return nil, PriceBreakdown{}, ErrInvalidPayment
	}

	installments, err := normalizeInstallments(input.PaymentMethod, input.InstallmentCount)
	if err != nil {
		return nil, PriceBreakdown{}, err
	}

	if err := s.checkRateLimit(ctx, input.TaxID); err != nil {
		return nil, PriceBreakdown{}, err
	}

	p, err := s.products.GetByID(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			log.Warn().Stringer("product_id", input.ProductID).Msg("service: checkout for unknown product")
			return nil, PriceBreakdown{}, ErrProductNotFound
		}
		return nil, PriceBreakdown{}, fmt.Errorf("service: failed to load product: %w", err)
	}
	if !p.Active || p.TenantID != s.tenantID {
		return nil, PriceBreakdown{}, ErrProductInactive
	}

	breakdown := PriceBreakdown{OriginalPrice: p.Price.Round(2)}
	base := breakdown.OriginalPrice
	if input.PaymentMethod == MethodPix && p.PixPrice.LessThan(base) {
		breakdown.PixDiscount = base.Sub(p.PixPrice).Round(2)
		base = p.PixPrice.Round(2)
	}

	now := s.now().UTC()
	o := &Order{
		TenantID:         s.tenantID,
		CustomerEmail:    strings.ToLower(strings.TrimSpace(input.Email)),
		CustomerTaxID:    input.TaxID,
		CustomerName:     strings.TrimSpace(input.Name),
		ProductID:        p.ID,
		PaymentMethod:    input.PaymentMethod,
		OriginalPrice:    breakdown.OriginalPrice,
		PixDiscount:      breakdown.PixDiscount,
		InstallmentCount: installments,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(pendingTTL),
		UpdatedAt:        now,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		final := base
		if code := coupon.NormalizeCode(input.CouponCode); code != "" {
			res, err := s.coupons.Evaluate(ctx, code, base)
			if err != nil {
				return fmt.Errorf("service: failed to evaluate coupon: %w", err)
			}
			if !res.Valid {
				return &CouponRejectedError{Code: res.Code, Reason: res.Reason}
			}
			final = res.FinalPrice
			breakdown.CouponCode = res.Code
			breakdown.CouponDiscount = res.Discount
			o.CouponCode = &res.Code
			o.CouponDiscount = res.Discount
		}

		if !final.IsPositive() {
			return ErrNonPositivePrice
		}
		breakdown.FinalPrice = final
		o.FinalPrice = final

		return s.orderRepo.Create(ctx, o)
	})
	if err != nil {
		var rejected *CouponRejectedError
		if errors.As(err, &rejected) || errors.Is(err, ErrNonPositivePrice) {
			log.Info().Err(err).Str("tax_id", input.TaxID).Msg("service: checkout rejected")
			return nil, PriceBreakdown{}, err
		}
		log.Error().Err(err).Msg("service: failed to create pending order")
		return nil, PriceBreakdown{}, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().
		Stringer("order_id", o.ID).
		Str("payment_method", string(o.PaymentMethod)).
		Str("final_price", o.FinalPrice.StringFixed(2)).
		Msg("service: pending order created")
	return o, breakdown, nil
}

func normalizeInstallments(method PaymentMethod, count *int) (*int, error) {
	if count == nil {
		return nil, nil
	}
	if method != MethodCard {
		return nil, nil
	}
	if *count < 1 || *count > MaxInstallments {
		return nil, ErrInvalidInstallments
	}
	n := *count
	return &n, nil
}

func (s *service) checkRateLimit(ctx context.Context, taxID string) error {
	decision, err := s.limiter.Allow(ctx, taxID)
	if err != nil {
		log.Warn().Err(err).Msg("service: order rate limiter unavailable, allowing checkout")
		return nil
	}
	if !decision.Allowed {
		log.Warn().Str("tax_id", taxID).Msg("service: order creation rate limited")
		return &RateLimitedError{RetryAfterSeconds: decision.RetryAfterSeconds()}
	}
	return nil
}

func (s *service) Checkout(ctx context.Context, input CreateOrderInput) (*CheckoutResult, error) {
	o, breakdown, err := s.CreatePendingOrder(ctx, input)
	if err != nil {
		return nil, err
	}

	customerID, err := s.gateway.CreateCustomer(ctx, gateway.Customer{
		Name:  o.CustomerName,
		Email: o.CustomerEmail,
		TaxID: o.CustomerTaxID,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: gateway customer creation failed")
		return nil, fmt.Errorf("service: %w: %w", ErrGatewayFailed, err)
	}

	billing := gateway.BillingPix
	if o.PaymentMethod == MethodCard {
		billing = gateway.BillingCreditCard
	}
	reference := o.ID.String()

	payment, err := s.gateway.CreateCharge(ctx, gateway.Charge{
		CustomerID:        customerID,
		BillingType:       billing,
		Value:             o.FinalPrice,
		DueDate:           s.now().UTC().AddDate(0, 0, 1),
		Description:       "Order " + reference,
		ExternalReference: reference,
		InstallmentCount:  o.InstallmentCount,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: gateway charge creation failed")
		return nil, fmt.Errorf("service: %w: %w", ErrGatewayFailed, err)
	}

	link := PaymentLink{
		GatewayPaymentID:  payment.ID,
		ExternalReference: reference,
		InstallmentCount:  o.InstallmentCount,
	}
	if o.PaymentMethod == MethodPix {
		qr, err := s.gateway.GetPixQrCode(ctx, payment.ID)
		if err != nil {
			log.Error().Err(err).Stringer("order_id", o.ID).Str("payment_id", payment.ID).Msg("service: failed to fetch pix qr code")
			return nil, fmt.Errorf("service: %w: %w", ErrGatewayFailed, err)
		}
		link.PixQrPayload = &qr.Payload
		link.PixQrImage = &qr.EncodedImage
		if !qr.ExpirationDate.IsZero() {
			link.PixExpiresAt = &qr.ExpirationDate
		}
	}

	if err := s.orderRepo.LinkPayment(ctx, o.ID, link); err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("payment_id", payment.ID).Msg("service: failed to link payment")
		return nil, fmt.Errorf("service: failed to link payment: %w", err)
	}
	o.GatewayPaymentID = &link.GatewayPaymentID
	o.ExternalReference = &link.ExternalReference
	o.PixQrPayload = link.PixQrPayload
	o.PixQrImage = link.PixQrImage
	o.PixExpiresAt = link.PixExpiresAt

	log.Info().Stringer("order_id", o.ID).Str("payment_id", payment.ID).Msg("service: checkout completed")
	return &CheckoutResult{
		Order:      o,
		Breakdown:  breakdown,
		PaymentID:  payment.ID,
		InvoiceURL: payment.InvoiceURL,
	}, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}
