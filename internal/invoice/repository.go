package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

type Repository interface {
	// Create inserts inv unless the order already has an invoice. It reports
	// whether a row was written; inv.ID is set to the stored invoice either way.
	Create(ctx context.Context, inv *Invoice) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Invoice, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, serviceCode string) error
	MarkIssued(ctx context.Context, id uuid.UUID, externalID string, issuedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const invoiceColumns = `
	id, order_id, gateway_payment_id, service_code, description, value, installment_count,
	installment_value, customer_name, customer_email, customer_tax_id, status, external_id,
	error_message, issued_at, created_at, updated_at
`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv              Invoice
		installmentValue decimal.NullDecimal
	)
	err := row.Scan(
		&inv.ID,
		&inv.OrderID,
		&inv.GatewayPaymentID,
		&inv.ServiceCode,
		&inv.Description,
		&inv.Value,
		&inv.InstallmentCount,
		&installmentValue,
		&inv.CustomerName,
		&inv.CustomerEmail,
		&inv.CustomerTaxID,
		&inv.Status,
		&inv.ExternalID,
		&inv.ErrorMessage,
		&inv.IssuedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if installmentValue.Valid {
		inv.InstallmentValue = &installmentValue.Decimal
	}
	return &inv, nil
}

func (r *postgresRepository) Create(ctx context.Context, inv *Invoice) (bool, error) {
	if inv.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return false, fmt.Errorf("repository: failed to generate invoice ID: %w", err)
		}
		inv.ID = id
	}

	var installmentValue decimal.NullDecimal
	if inv.InstallmentValue != nil {
		installmentValue = decimal.NewNullDecimal(*inv.InstallmentValue)
	}

	query := `
		INSERT INTO invoices (id, order_id, gateway_payment_id, service_code, description, value,
		                      installment_count, installment_value, customer_name, customer_email,
		                      customer_tax_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (order_id) DO NOTHING
	`
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		inv.ID,
		inv.OrderID,
		inv.GatewayPaymentID,
		inv.ServiceCode,
		inv.Description,
		inv.Value,
		inv.InstallmentCount,
		installmentValue,
		inv.CustomerName,
		inv.CustomerEmail,
		inv.CustomerTaxID,
		string(StatusPending),
		inv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert invoice for order %s: %w", inv.OrderID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := r.GetByOrderID(ctx, inv.OrderID)
	if err != nil {
		return false, err
	}
	inv.ID = existing.ID
	return false, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select invoice %s: %w", id, err)
	}
	return inv, nil
}

func (r *postgresRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select invoice for order %s: %w", orderID, err)
	}
	return inv, nil
}

func (r *postgresRepository) MarkProcessing(ctx context.Context, id uuid.UUID, serviceCode string) error {
	return r.update(ctx, id, `
		UPDATE invoices SET status = 'processing', service_code = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'issued'
	`, serviceCode)
}

func (r *postgresRepository) MarkIssued(ctx context.Context, id uuid.UUID, externalID string, issuedAt time.Time) error {
	return r.update(ctx, id, `
		UPDATE invoices SET status = 'issued', external_id = $2, issued_at = $3, error_message = NULL, updated_at = $3
		WHERE id = $1
	`, externalID, issuedAt)
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	return r.update(ctx, id, `
		UPDATE invoices SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'issued'
	`, message)
}

func (r *postgresRepository) update(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("repository: failed to update invoice %s: %w", id, err)
	}
	return nil
}
