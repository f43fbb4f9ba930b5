package order

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
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetLatestByEmail returns the most recently created order for the email.
	GetLatestByEmail(ctx context.Context, tenantID, email string) (*Order, error)
	LinkPayment(ctx context.Context, id uuid.UUID, link PaymentLink) error
	// MarkPaid moves a pending order to paid. It reports false when the order was
	// not pending, which makes repeated webhook deliveries no-ops.
	MarkPaid(ctx context.Context, id uuid.UUID, gatewayPaymentID string, paidAt time.Time) (bool, error)
	// LinkUser sets user_id unless a different user already claimed the order.
	LinkUser(ctx context.Context, id uuid.UUID, userID string) (bool, error)
	// MarkCompleted moves a paid order to completed. Only one caller wins.
	MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) (bool, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const orderColumns = `
	id, tenant_id, customer_email, customer_tax_id, customer_name, product_id, payment_method,
	original_price, coupon_code, coupon_discount, pix_discount, final_price, installment_count,
	status, gateway_payment_id, pix_qr_payload, pix_qr_image, pix_expires_at, paid_at, user_id,
	provisioned_at, external_reference, created_at, expires_at, updated_at
`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.TenantID,
		&o.CustomerEmail,
		&o.CustomerTaxID,
		&o.CustomerName,
		&o.ProductID,
		&o.PaymentMethod,
		&o.OriginalPrice,
		&o.CouponCode,
		&o.CouponDiscount,
		&o.PixDiscount,
		&o.FinalPrice,
		&o.InstallmentCount,
		&o.Status,
		&o.GatewayPaymentID,
		&o.PixQrPayload,
		&o.PixQrImage,
		&o.PixExpiresAt,
		&o.PaidAt,
		&o.UserID,
		&o.ProvisionedAt,
		&o.ExternalReference,
		&o.CreatedAt,
		&o.ExpiresAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *postgresRepository) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			log.Error().Err(err).Msg("repository: failed to generate order ID")
			return fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
		o.ID = id
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25)
	`
	_, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		o.ID,
		o.TenantID,
		o.CustomerEmail,
		o.CustomerTaxID,
		o.CustomerName,
		o.ProductID,
		string(o.PaymentMethod),
		o.OriginalPrice,
		o.CouponCode,
		o.CouponDiscount,
		o.PixDiscount,
		o.FinalPrice,
		o.InstallmentCount,
		string(o.Status),
		o.GatewayPaymentID,
		o.PixQrPayload,
		o.PixQrImage,
		o.PixExpiresAt,
		o.PaidAt,
		o.UserID,
		o.ProvisionedAt,
		o.ExternalReference,
		o.CreatedAt,
		o.ExpiresAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}
	return o, nil
}

func (r *postgresRepository) GetLatestByEmail(ctx context.Context, tenantID, email string) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE tenant_id = $1 AND lower(customer_email) = lower($2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, query, tenantID, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select latest order for email: %w", err)
	}
	return o, nil
}

func (r *postgresRepository) LinkPayment(ctx context.Context, id uuid.UUID, link PaymentLink) error {
	query := `
		UPDATE orders
		SET gateway_payment_id = $2,
		    external_reference = $3,
		    installment_count = COALESCE($4, installment_count),
		    pix_qr_payload = $5,
		    pix_qr_image = $6,
		    pix_expires_at = $7,
		    updated_at = $8
		WHERE id = $1
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		id,
		link.GatewayPaymentID,
		link.ExternalReference,
		link.InstallmentCount,
		link.PixQrPayload,
		link.PixQrImage,
		link.PixExpiresAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository: failed to link payment to order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) MarkPaid(ctx context.Context, id uuid.UUID, gatewayPaymentID string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = $2, paid_at = $3, gateway_payment_id = $4, updated_at = $3
		WHERE id = $1 AND status = $5
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, string(StatusPaid), paidAt, gatewayPaymentID, string(StatusPending))
	if err != nil {
		log.Error().Err(err).Stringer("order_id", id).Msg("repository: failed to mark order paid")
		return false, fmt.Errorf("repository: failed to mark order %s paid: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *postgresRepository) LinkUser(ctx context.Context, id uuid.UUID, userID string) (bool, error) {
	query := `
		UPDATE orders
		SET user_id = $2, updated_at = $3
		WHERE id = $1 AND (user_id IS NULL OR user_id = $2)
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("repository: failed to link user to order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *postgresRepository) MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = $2, provisioned_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, string(StatusCompleted), provisionedAt, string(StatusPaid))
	if err != nil {
		return false, fmt.Errorf("repository: failed to mark order %s completed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
