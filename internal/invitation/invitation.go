package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

var ErrNotFound = errors.New("invitation not found")

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusAccepted Status = "accepted"
)

// Delivered reports whether no further send is needed.
func (s Status) Delivered() bool {
	return s == StatusSent || s == StatusAccepted
}

type Invitation struct {
	ID                   uuid.UUID
	OrderID              uuid.UUID
	ProductID            uuid.UUID
	Email                string
	Name                 string
	Status               Status
	ExternalInvitationID *string
	RetryCount           int
	ErrorDetail          *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Repository interface {
	// CreateIfAbsent inserts inv unless the order already has an invitation, in
	// which case inv is overwritten with the stored one.
	CreateIfAbsent(ctx context.Context, inv *Invitation) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error)
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, retryCount int, detail string) error
	MarkSent(ctx context.Context, id uuid.UUID, externalID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error
	MarkAccepted(ctx context.Context, externalID string) (bool, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const selectInvitation = `
	SELECT i.id, i.order_id, o.product_id, i.email, i.name, i.status, i.external_invitation_id,
	       i.retry_count, i.error_detail, i.created_at, i.updated_at
	FROM email_invitations i
	JOIN orders o ON o.id = i.order_id
`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(
		&inv.ID,
		&inv.OrderID,
		&inv.ProductID,
		&inv.Email,
		&inv.Name,
		&inv.Status,
		&inv.ExternalInvitationID,
		&inv.RetryCount,
		&inv.ErrorDetail,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *postgresRepository) CreateIfAbsent(ctx context.Context, inv *Invitation) (bool, error) {
	if inv.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return false, fmt.Errorf("repository: failed to generate invitation ID: %w", err)
		}
		inv.ID = id
	}

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO email_invitations (id, order_id, email, name, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
		ON CONFLICT (order_id) DO NOTHING
	`, inv.ID, inv.OrderID, inv.Email, inv.Name, inv.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert invitation for order %s: %w", inv.OrderID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := scanInvitation(db.Conn(ctx, r.pool).QueryRow(ctx, selectInvitation+` WHERE i.order_id = $1`, inv.OrderID))
	if err != nil {
		return false, fmt.Errorf("repository: failed to select invitation for order %s: %w", inv.OrderID, err)
	}
	*inv = *existing
	return false, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	inv, err := scanInvitation(db.Conn(ctx, r.pool).QueryRow(ctx, selectInvitation+` WHERE i.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select invitation %s: %w", id, err)
	}
	return inv, nil
}

func (r *postgresRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, retryCount int, detail string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE email_invitations SET retry_count = $2, error_detail = $3, updated_at = NOW()
		WHERE id = $1
	`, id, retryCount, detail)
	if err != nil {
		return fmt.Errorf("repository: failed to record invitation attempt %s: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) MarkSent(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE email_invitations
		SET status = 'sent', external_invitation_id = $2, error_detail = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'accepted'
	`, id, externalID)
	if err != nil {
		return fmt.Errorf("repository: failed to mark invitation %s sent: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE email_invitations SET status = 'failed', error_detail = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, id, detail)
	if err != nil {
		return fmt.Errorf("repository: failed to mark invitation %s failed: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) MarkAccepted(ctx context.Context, externalID string) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE email_invitations SET status = 'accepted', updated_at = NOW()
		WHERE external_invitation_id = $1 AND status <> 'accepted'
	`, externalID)
	if err != nil {
		return false, fmt.Errorf("repository: failed to mark invitation %s accepted: %w", externalID, err)
	}
	return tag.RowsAffected() > 0, nil
}
