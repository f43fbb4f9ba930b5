package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
	"github.com/vasiliy-maslov/course-checkout/internal/product"
	"github.com/vasiliy-maslov/course-checkout/internal/retry"
)

const JobKind = "invoice.issue"

// Scheduler is the part of the retry runner the generator needs.
type Scheduler interface {
	Schedule(ctx context.Context, kind, dedupKey string, payload any, policy retry.Policy) error
}

type OrderReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

type jobPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

type Generator struct {
	repo      Repository
	orders    OrderReader
	products  product.Repository
	scheduler Scheduler
	policy    retry.Policy
	now       func() time.Time
}

func NewGenerator(repo Repository, orders OrderReader, products product.Repository, scheduler Scheduler, policy retry.Policy) *Generator {
	return &Generator{
		repo:      repo,
		orders:    orders,
		products:  products,
		scheduler: scheduler,
		policy:    policy,
		now:       time.Now,
	}
}

// GenerateInvoice records the invoice for a paid order and queues its submission.
// Calling it again for the same order returns the existing invoice id; only a
// pending invoice is queued again, and queueing an already queued job is a no-op.
func (g *Generator) GenerateInvoice(ctx context.Context, orderID uuid.UUID, gatewayPaymentID string, totalValue decimal.Decimal, installmentCount *int) (string, error) {
	existing, err := g.repo.GetByOrderID(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == StatusPending {
			if err := g.schedule(ctx, existing.ID, orderID); err != nil {
				return "", err
			}
		}
		return existing.ID.String(), nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("invoice: failed to look up invoice for order %s: %w", orderID, err)
	}

	o, err := g.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("invoice: failed to load order %s: %w", orderID, err)
	}
	p, err := g.products.GetByID(ctx, o.ProductID)
	if err != nil {
		return "", fmt.Errorf("invoice: failed to load product %s: %w", o.ProductID, err)
	}

	now := g.now().UTC()
	inv := &Invoice{
		OrderID:          orderID,
		GatewayPaymentID: gatewayPaymentID,
		Value:            totalValue.Round(2),
		CustomerName:     o.CustomerName,
		CustomerEmail:    o.CustomerEmail,
		CustomerTaxID:    o.CustomerTaxID,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if installmentCount != nil && *installmentCount > 1 {
		n := *installmentCount
		per := totalValue.Div(decimal.NewFromInt(int64(n))).Round(2)
		inv.InstallmentCount = &n
		inv.InstallmentValue = &per
	}
	inv.Description = Description(p.Name, orderID, inv.Value, inv.InstallmentCount, inv.InstallmentValue)

	created, err := g.repo.Create(ctx, inv)
	if err != nil {
		return "", fmt.Errorf("invoice: failed to create invoice for order %s: %w", orderID, err)
	}
	if created {
		log.Info().Stringer("order_id", orderID).Stringer("invoice_id", inv.ID).Str("payment_id", gatewayPaymentID).Msg("invoice: created")
	}

	if err := g.schedule(ctx, inv.ID, orderID); err != nil {
		return "", err
	}
	return inv.ID.String(), nil
}

// schedule leaves the invoice row pending on failure, so the next
// GenerateInvoice call for the order queues it again.
func (g *Generator) schedule(ctx context.Context, invoiceID, orderID uuid.UUID) error {
	if err := g.scheduler.Schedule(ctx, JobKind, orderID.String(), jobPayload{InvoiceID: invoiceID}, g.policy); err != nil {
		log.Error().Err(err).Stringer("invoice_id", invoiceID).Stringer("order_id", orderID).Msg("invoice: failed to schedule submission")
		return fmt.Errorf("invoice: failed to schedule submission for order %s: %w", orderID, err)
	}
	return nil
}

// Description is the service description printed on the invoice.
func Description(productName string, orderID uuid.UUID, total decimal.Decimal, installments *int, installmentValue *decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Access to online course %q. Order %s. Total R$ %s", productName, orderID, total.StringFixed(2))
	if installments != nil && installmentValue != nil {
		fmt.Fprintf(&b, ", paid in %d installments of R$ %s", *installments, installmentValue.StringFixed(2))
	}
	b.WriteString(".")
	return b.String()
}
