package access

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

type Grant struct {
	UserID    string
	ProductID uuid.UUID
	OrderID   uuid.UUID
	ExpiresAt time.Time
}

// Granter gives a user access to a product. Granting the same pair twice must
// leave a single entitlement.
type Granter interface {
	Grant(ctx context.Context, g Grant) error
}

type postgresGranter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresGranter(pool *pgxpool.Pool) Granter {
	return &postgresGranter{pool: pool, now: time.Now}
}

func (p *postgresGranter) Grant(ctx context.Context, g Grant) error {
	query := `
		INSERT INTO entitlements (user_id, product_id, order_id, expires_at, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET order_id = EXCLUDED.order_id,
		    expires_at = GREATEST(entitlements.expires_at, EXCLUDED.expires_at),
		    granted_at = EXCLUDED.granted_at
	`

	_, err := db.Conn(ctx, p.pool).Exec(ctx, query, g.UserID, g.ProductID, g.OrderID, g.ExpiresAt, p.now().UTC())
	if err != nil {
		return fmt.Errorf("repository: failed to grant %s to user %s: %w", g.ProductID, g.UserID, err)
	}

	log.Info().
		Str("user_id", g.UserID).
		Stringer("product_id", g.ProductID).
		Stringer("order_id", g.OrderID).
		Time("expires_at", g.ExpiresAt).
		Msg("access: entitlement granted")
	return nil
}
