package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
)

func (s Status) String() string {
	return string(s)
}

type PaymentMethod string

const (
	MethodPix  PaymentMethod = "PIX"
	MethodCard PaymentMethod = "CARD"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodPix || m == MethodCard
}

const (
	pendingTTL      = 7 * 24 * time.Hour
	MaxInstallments = 12
)

type Order struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          string          `json:"tenant_id"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerTaxID     string          `json:"customer_tax_id"`
	CustomerName      string          `json:"customer_name"`
	ProductID         uuid.UUID       `json:"product_id"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	OriginalPrice     decimal.Decimal `json:"original_price"`
	CouponCode        *string         `json:"coupon_code,omitempty"`
	CouponDiscount    decimal.Decimal `json:"coupon_discount"`
	PixDiscount       decimal.Decimal `json:"pix_discount"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	InstallmentCount  *int            `json:"installment_count,omitempty"`
	Status            Status          `json:"status"`
	GatewayPaymentID  *string         `json:"gateway_payment_id,omitempty"`
	PixQrPayload      *string         `json:"pix_qr_payload,omitempty"`
	PixQrImage        *string         `json:"pix_qr_image,omitempty"`
	PixExpiresAt      *time.Time      `json:"pix_expires_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	UserID            *string         `json:"user_id,omitempty"`
	ProvisionedAt     *time.Time      `json:"provisioned_at,omitempty"`
	ExternalReference *string         `json:"external_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsExpired reports whether a pending order is past its payment window.
// Expiry is derived; nothing rewrites the stored status.
func (o *Order) IsExpired(now time.Time) bool {
	return o.Status == StatusPending && now.After(o.ExpiresAt)
}

// InstallmentValue is the amount the gateway charges per installment.
func (o *Order) InstallmentValue() decimal.Decimal {
	if o.InstallmentCount == nil || *o.InstallmentCount <= 1 {
		return o.FinalPrice
	}
	return o.FinalPrice.Div(decimal.NewFromInt(int64(*o.InstallmentCount))).Round(2)
}

type PriceBreakdown struct {
	OriginalPrice  decimal.Decimal `json:"original_price"`
	PixDiscount    decimal.Decimal `json:"pix_discount"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	CouponDiscount decimal.Decimal `json:"coupon_discount"`
	FinalPrice     decimal.Decimal `json:"final_price"`
}

type CreateOrderInput struct {
	Email            string
	TaxID            string
	Name             string
	ProductID        uuid.UUID
	PaymentMethod    PaymentMethod
	CouponCode       string
	InstallmentCount *int
}

// PaymentLink is what the gateway handed back for a freshly created charge.
type PaymentLink struct {
	GatewayPaymentID  string
	ExternalReference string
	InstallmentCount  *int
	PixQrPayload      *string
	PixQrImage        *string
	PixExpiresAt      *time.Time
}
