package invoice

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("invoice not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusIssued     Status = "issued"
	StatusFailed     Status = "failed"
)

type Invoice struct {
	ID               uuid.UUID
	OrderID          uuid.UUID
	GatewayPaymentID string
	ServiceCode      string
	Description      string
	// Value is the order total, never a single installment.
	Value            decimal.Decimal
	InstallmentCount *int
	InstallmentValue *decimal.Decimal
	CustomerName     string
	CustomerEmail    string
	CustomerTaxID    string
	Status           Status
	ExternalID       *string
	ErrorMessage     *string
	IssuedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
