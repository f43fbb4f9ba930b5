package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

type Repository interface {
	GetByCode(ctx context.Context, tenantID, code string) (*Coupon, error)
	// GetByCodeForShare locks the row until the surrounding transaction ends.
	GetByCodeForShare(ctx context.Context, tenantID, code string) (*Coupon, error)
	// RecordUsage inserts the usage and bumps the coupon counter. It returns false,
	// without touching the counter, when the order already has a usage row.
	RecordUsage(ctx context.Context, usage *Usage) (bool, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepository(pool *pgxpool.Pool, tx db.Transactor) Repository {
	return &postgresRepository{pool: pool, tx: tx}
}

const selectCoupon = `
	SELECT id, tenant_id, code, discount_type, value, active, valid_from, valid_until,
	       current_uses, max_uses, created_at, updated_at
	FROM coupons
	WHERE tenant_id = $1 AND code = $2
`

func (r *postgresRepository) GetByCode(ctx context.Context, tenantID, code string) (*Coupon, error) {
	return r.get(ctx, selectCoupon, tenantID, code)
}

func (r *postgresRepository) GetByCodeForShare(ctx context.Context, tenantID, code string) (*Coupon, error) {
	return r.get(ctx, selectCoupon+" FOR SHARE", tenantID, code)
}

func (r *postgresRepository) get(ctx context.Context, query, tenantID, code string) (*Coupon, error) {
	var c Coupon
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, tenantID, code).Scan(
		&c.ID,
		&c.TenantID,
		&c.Code,
		&c.DiscountType,
		&c.Value,
		&c.Active,
		&c.ValidFrom,
		&c.ValidUntil,
		&c.CurrentUses,
		&c.MaxUses,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select coupon %s: %w", code, err)
	}
	return &c, nil
}

func (r *postgresRepository) RecordUsage(ctx context.Context, usage *Usage) (recorded bool, err error) {
	if usage.ID == uuid.Nil {
		usage.ID, err = uuid.NewV4()
		if err != nil {
			return false, fmt.Errorf("repository: failed to generate usage ID: %w", err)
		}
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		tag, err := q.Exec(ctx, `
			INSERT INTO coupon_usages (id, coupon_id, order_id, customer_email, discount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (order_id) DO NOTHING
		`, usage.ID, usage.CouponID, usage.OrderID, usage.CustomerEmail, usage.Discount, usage.CreatedAt)
		if err != nil {
			return fmt.Errorf("repository: failed to insert coupon usage for order %s: %w", usage.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = q.Exec(ctx, `
			UPDATE coupons SET current_uses = current_uses + 1, updated_at = $2 WHERE id = $1
		`, usage.CouponID, usage.CreatedAt)
		if err != nil {
			return fmt.Errorf("repository: failed to increment coupon %s: %w", usage.CouponID, err)
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !recorded {
		log.Info().Stringer("order_id", usage.OrderID).Msg("repository: coupon usage already recorded for order")
	}
	return recorded, nil
}
