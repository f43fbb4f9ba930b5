package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/coupon"
	"github.com/vasiliy-maslov/course-checkout/internal/gateway"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
)

// Tolerance absorbs gateway rounding when comparing paid amounts.
var Tolerance = decimal.RequireFromString("0.02")

type OrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	MarkPaid(ctx context.Context, id uuid.UUID, gatewayPaymentID string, paidAt time.Time) (bool, error)
}

type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, orderID uuid.UUID, gatewayPaymentID string, totalValue decimal.Decimal, installmentCount *int) (string, error)
}

type CouponStore interface {
	GetByCode(ctx context.Context, tenantID, code string) (*coupon.Coupon, error)
	RecordUsage(ctx context.Context, usage *coupon.Usage) (bool, error)
}

type Provisioner interface {
	MaybeProvisionAccess(ctx context.Context, orderID uuid.UUID) error
}

type InvitationScheduler interface {
	ScheduleInvitation(ctx context.Context, o *order.Order) error
}

type Deps struct {
	Orders      OrderStore
	Invoices    InvoiceGenerator
	Coupons     CouponStore
	Provisioner Provisioner
	Invitations InvitationScheduler
	TenantID    string
	Now         func() time.Time
}

// Reconciler turns gateway payment events into order state. Every path is safe
// to run more than once for the same event.
type Reconciler struct {
	orders      OrderStore
	invoices    InvoiceGenerator
	coupons     CouponStore
	provisioner Provisioner
	invitations InvitationScheduler
	tenantID    string
	now         func() time.Time
}

func NewReconciler(d Deps) *Reconciler {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		orders:      d.Orders,
		invoices:    d.Invoices,
		coupons:     d.Coupons,
		provisioner: d.Provisioner,
		invitations: d.Invitations,
		tenantID:    d.TenantID,
		now:         now,
	}
}

// HandleGatewayEvent returns an error for store failures, side effects that
// could not be written, and fatal provisioning errors; the gateway then
// redelivers the event. Events it chooses not to act on are logged and dropped.
func (r *Reconciler) HandleGatewayEvent(ctx context.Context, event gateway.Event) error {
	p := event.Payment
	logger := log.With().
		Str("event", event.Event).
		Str("payment_id", p.ID).
		Str("payment_status", p.Status).
		Logger()

	if !event.IsConfirmation() {
		logger.Debug().Msg("reconcile: ignoring non-confirmation event")
		return nil
	}

	if p.ExternalReference == "" {
		logger.Warn().Msg("reconcile: payment without external reference dropped")
		return nil
	}
	orderID, err := uuid.FromString(p.ExternalReference)
	if err != nil {
		logger.Warn().Str("external_reference", p.ExternalReference).Msg("reconcile: external reference is not an order id")
		return nil
	}
	logger = logger.With().Stringer("order_id", orderID).Logger()

	o, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			logger.Warn().Msg("reconcile: order not found, event dropped")
			return nil
		}
		return fmt.Errorf("reconcile: failed to load order %s: %w", orderID, err)
	}
	if r.tenantID != "" && o.TenantID != r.tenantID {
		logger.Warn().Str("tenant_id", o.TenantID).Msg("reconcile: order belongs to another tenant, event dropped")
		return nil
	}

	if !r.verifyAmount(logger, o, p) {
		return nil
	}

	if p.InstallmentNumber != nil && *p.InstallmentNumber > 1 {
		logger.Info().Int("installment_number", *p.InstallmentNumber).Msg("reconcile: later installment acknowledged")
		return nil
	}

	if o.Status == order.StatusPending {
		paidAt := r.now().UTC()
		transitioned, err := r.orders.MarkPaid(ctx, o.ID, p.ID, paidAt)
		if err != nil {
			return fmt.Errorf("reconcile: failed to mark order %s paid: %w", o.ID, err)
		}
		if transitioned {
			o.Status = order.StatusPaid
			o.PaidAt = &paidAt
			o.GatewayPaymentID = &p.ID
			logger.Info().Str("final_price", o.FinalPrice.StringFixed(2)).Msg("reconcile: order paid")
		} else {
			logger.Info().Msg("reconcile: concurrent delivery already marked the order paid")
			if o, err = r.orders.GetByID(ctx, o.ID); err != nil {
				return fmt.Errorf("reconcile: failed to reload order %s: %w", orderID, err)
			}
		}
	} else {
		logger.Info().Stringer("status", o.Status).Msg("reconcile: order already confirmed, re-running side effects")
	}

	return r.settle(ctx, logger, o, p.ID)
}

// settle runs the side effects of a confirmed payment. Each step is idempotent
// per order, so redelivered events repeat the whole sequence and fill in
// whatever an earlier delivery failed to write. Completed orders already have
// access and skip provisioning and the invitation.
func (r *Reconciler) settle(ctx context.Context, logger zerolog.Logger, o *order.Order, paymentID string) error {
	if o.Status != order.StatusPaid && o.Status != order.StatusCompleted {
		logger.Warn().Stringer("status", o.Status).Msg("reconcile: order is not confirmed, side effects skipped")
		return nil
	}

	var errs []error
	if err := r.generateInvoice(ctx, logger, o, paymentID); err != nil {
		errs = append(errs, err)
	}
	if err := r.recordCouponUsage(ctx, logger, o); err != nil {
		errs = append(errs, err)
	}
	if o.Status == order.StatusPaid {
		if err := r.provision(ctx, o.ID); err != nil {
			errs = append(errs, err)
		}
		if err := r.invitations.ScheduleInvitation(ctx, o); err != nil {
			logger.Error().Err(err).Msg("reconcile: failed to schedule access invitation")
			errs = append(errs, fmt.Errorf("reconcile: failed to schedule invitation for order %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

// verifyAmount compares the paid value against what the order expects for a
// single charge or a single installment.
func (r *Reconciler) verifyAmount(logger zerolog.Logger, o *order.Order, p gateway.EventPayment) bool {
	expected := o.FinalPrice
	switch {
	case o.InstallmentCount != nil && *o.InstallmentCount > 1:
		expected = o.InstallmentValue()
	case p.IsInstallment():
		logger.Warn().Msg("reconcile: installment payment for an order without installment count, amount check skipped")
		return true
	}

	if p.Value.Sub(expected).Abs().GreaterThan(Tolerance) {
		logger.Error().
			Str("paid", p.Value.StringFixed(2)).
			Str("expected", expected.StringFixed(2)).
			Msg("reconcile: amount mismatch, event dropped")
		return false
	}
	return true
}

func (r *Reconciler) generateInvoice(ctx context.Context, logger zerolog.Logger, o *order.Order, paymentID string) error {
	invoiceID, err := r.invoices.GenerateInvoice(ctx, o.ID, paymentID, o.FinalPrice, o.InstallmentCount)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile: failed to create invoice")
		return fmt.Errorf("reconcile: failed to create invoice for order %s: %w", o.ID, err)
	}
	logger.Info().Str("invoice_id", invoiceID).Msg("reconcile: invoice scheduled")
	return nil
}

// recordCouponUsage drops usage of a coupon that no longer exists; there is
// nothing a redelivery could fix.
func (r *Reconciler) recordCouponUsage(ctx context.Context, logger zerolog.Logger, o *order.Order) error {
	if o.CouponCode == nil || *o.CouponCode == "" {
		return nil
	}

	c, err := r.coupons.GetByCode(ctx, o.TenantID, *o.CouponCode)
	if errors.Is(err, coupon.ErrNotFound) {
		logger.Warn().Str("coupon_code", *o.CouponCode).Msg("reconcile: coupon no longer exists, usage not recorded")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Str("coupon_code", *o.CouponCode).Msg("reconcile: failed to load coupon for usage")
		return fmt.Errorf("reconcile: failed to load coupon %s: %w", *o.CouponCode, err)
	}

	recorded, err := r.coupons.RecordUsage(ctx, &coupon.Usage{
		CouponID:      c.ID,
		OrderID:       o.ID,
		CustomerEmail: o.CustomerEmail,
		Discount:      o.CouponDiscount,
		CreatedAt:     r.now().UTC(),
	})
	if err != nil {
		logger.Error().Err(err).Str("coupon_code", c.Code).Msg("reconcile: failed to record coupon usage")
		return fmt.Errorf("reconcile: failed to record usage of coupon %s: %w", c.Code, err)
	}
	if !recorded {
		logger.Debug().Str("coupon_code", c.Code).Msg("reconcile: coupon usage already recorded")
	}
	return nil
}

func (r *Reconciler) provision(ctx context.Context, orderID uuid.UUID) error {
	if err := r.provisioner.MaybeProvisionAccess(ctx, orderID); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}
