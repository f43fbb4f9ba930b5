package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type BillingType string

const (
	BillingPix        BillingType = "PIX"
	BillingCreditCard BillingType = "CREDIT_CARD"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	TaxID string `json:"cpfCnpj"`
}

type Charge struct {
	CustomerID        string
	BillingType       BillingType
	Value             decimal.Decimal
	DueDate           time.Time
	Description       string
	ExternalReference string
	InstallmentCount  *int
}

type Payment struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Value             decimal.Decimal `json:"value"`
	InvoiceURL        string          `json:"invoiceUrl,omitempty"`
	ExternalReference string          `json:"externalReference,omitempty"`
}

type PixQrCode struct {
	EncodedImage   string    `json:"encodedImage"`
	Payload        string    `json:"payload"`
	ExpirationDate time.Time `json:"-"`
}

// Gateway is the payment provider used at checkout.
type Gateway interface {
	CreateCustomer(ctx context.Context, customer Customer) (string, error)
	CreateCharge(ctx context.Context, charge Charge) (Payment, error)
	GetPixQrCode(ctx context.Context, paymentID string) (PixQrCode, error)
}
