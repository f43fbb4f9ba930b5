package product

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

var ErrNotFound = errors.New("product not found")

type Product struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	PixPrice    decimal.Decimal `json:"pix_price"`
	Active      bool            `json:"active"`
	AccessYears int             `json:"access_years"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AccessExpiry is when access bought at grantedAt runs out.
func (p *Product) AccessExpiry(grantedAt time.Time) time.Time {
	years := p.AccessYears
	if years < 1 {
		years = 1
	}
	return grantedAt.AddDate(years, 0, 0)
}

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `
		SELECT id, tenant_id, name, price, pix_price, active, access_years, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	var p Product
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.Price,
		&p.PixPrice,
		&p.Active,
		&p.AccessYears,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product by id %s: %w", id, err)
	}
	return &p, nil
}
