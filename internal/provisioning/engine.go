package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/access"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
	"github.com/vasiliy-maslov/course-checkout/internal/product"
)

// ErrGrantFailed wraps failures of the entitlement store. The order stays paid
// so a later delivery can finish the work.
var ErrGrantFailed = errors.New("failed to grant access")

type OrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetLatestByEmail(ctx context.Context, tenantID, email string) (*order.Order, error)
	LinkUser(ctx context.Context, id uuid.UUID, userID string) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) (bool, error)
}

// Engine grants access once an order is both paid and linked to a user, in
// whichever order those two facts arrive.
type Engine struct {
	orders   OrderStore
	products product.Repository
	granter  access.Granter
	tenantID string
	now      func() time.Time
}

func NewEngine(orders OrderStore, products product.Repository, granter access.Granter, tenantID string) *Engine {
	return &Engine{orders: orders, products: products, granter: granter, tenantID: tenantID, now: time.Now}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) MaybeProvisionAccess(ctx context.Context, orderID uuid.UUID) error {
	o, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			log.Warn().Stringer("order_id", orderID).Msg("provisioning: order not found")
			return nil
		}
		return fmt.Errorf("provisioning: failed to load order %s: %w", orderID, err)
	}

	logger := log.With().Stringer("order_id", orderID).Str("status", o.Status.String()).Logger()

	switch {
	case o.Status == order.StatusCompleted:
		logger.Debug().Msg("provisioning: already completed")
		return nil
	case o.Status != order.StatusPaid:
		logger.Debug().Msg("provisioning: order not paid yet")
		return nil
	case o.UserID == nil || *o.UserID == "":
		logger.Info().Msg("provisioning: waiting for the buyer to claim the order")
		return nil
	}

	p, err := e.products.GetByID(ctx, o.ProductID)
	if err != nil {
		return fmt.Errorf("provisioning: failed to load product %s: %w", o.ProductID, err)
	}

	now := e.now().UTC()
	err = e.granter.Grant(ctx, access.Grant{
		UserID:    *o.UserID,
		ProductID: o.ProductID,
		OrderID:   o.ID,
		ExpiresAt: p.AccessExpiry(now),
	})
	if err != nil {
		logger.Error().Err(err).Msg("provisioning: grant failed")
		return fmt.Errorf("provisioning: %w: %w", ErrGrantFailed, err)
	}

	completed, err := e.orders.MarkCompleted(ctx, o.ID, now)
	if err != nil {
		return fmt.Errorf("provisioning: failed to complete order %s: %w", o.ID, err)
	}
	if completed {
		logger.Info().Str("user_id", *o.UserID).Msg("provisioning: access provisioned")
	} else {
		logger.Debug().Msg("provisioning: another delivery completed the order first")
	}
	return nil
}

// ClaimOrderByEmail links a freshly signed-up identity to the buyer's latest
// order and provisions it when already paid.
func (e *Engine) ClaimOrderByEmail(ctx context.Context, email, identityUserID string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || identityUserID == "" {
		return nil
	}

	o, err := e.orders.GetLatestByEmail(ctx, e.tenantID, email)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			log.Info().Str("user_id", identityUserID).Msg("provisioning: no order to claim")
			return nil
		}
		return fmt.Errorf("provisioning: failed to find order for claim: %w", err)
	}

	if o.Status != order.StatusPaid {
		log.Info().Stringer("order_id", o.ID).Str("status", o.Status.String()).Msg("provisioning: latest order is not awaiting a claim")
		return nil
	}

	linked, err := e.orders.LinkUser(ctx, o.ID, identityUserID)
	if err != nil {
		return fmt.Errorf("provisioning: failed to link user to order %s: %w", o.ID, err)
	}
	if !linked {
		log.Warn().Stringer("order_id", o.ID).Str("user_id", identityUserID).Msg("provisioning: order already claimed by another user")
		return nil
	}

	return e.MaybeProvisionAccess(ctx, o.ID)
}
