package gateway

import "github.com/shopspring/decimal"

const (
	EventPaymentReceived  = "PAYMENT_RECEIVED"
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"

	PaymentStatusReceived       = "RECEIVED"
	PaymentStatusConfirmed      = "CONFIRMED"
	PaymentStatusReceivedInCash = "RECEIVED_IN_CASH"
)

// Event is the webhook body posted by the gateway.
type Event struct {
	Event   string       `json:"event"`
	Payment EventPayment `json:"payment"`
}

type EventPayment struct {
	ID                string           `json:"id"`
	Value             decimal.Decimal  `json:"value"`
	TotalValue        *decimal.Decimal `json:"totalValue,omitempty"`
	Status            string           `json:"status"`
	ExternalReference string           `json:"externalReference,omitempty"`
	// InstallmentNumber is 1-based and only present for installment charges.
	InstallmentNumber *int   `json:"installmentNumber,omitempty"`
	Installment       string `json:"installment,omitempty"`
}

// IsConfirmation reports whether the event means money has arrived.
func (e Event) IsConfirmation() bool {
	if e.Event != EventPaymentReceived && e.Event != EventPaymentConfirmed {
		return false
	}
	switch e.Payment.Status {
	case PaymentStatusReceived, PaymentStatusConfirmed, PaymentStatusReceivedInCash:
		return true
	default:
		return false
	}
}

// IsInstallment reports whether the payment belongs to an installment plan.
func (p EventPayment) IsInstallment() bool {
	return p.Installment != "" || p.InstallmentNumber != nil
}
