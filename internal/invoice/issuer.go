package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/fiscal"
	"github.com/vasiliy-maslov/course-checkout/internal/retry"
)

// Issuer submits pending invoices to the fiscal authority. It runs as the
// invoice.issue retry handler.
type Issuer struct {
	repo      Repository
	authority fiscal.Authority
	issRate   decimal.Decimal
	now       func() time.Time
}

func NewIssuer(repo Repository, authority fiscal.Authority, issRatePercent decimal.Decimal) *Issuer {
	return &Issuer{repo: repo, authority: authority, issRate: issRatePercent, now: time.Now}
}

var _ retry.Handler = (*Issuer)(nil)

func (i *Issuer) Run(ctx context.Context, job retry.Job) (string, error) {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %w", retry.ErrPermanent, err)
	}

	inv, err := i.repo.GetByID(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("invoice %s: %w", payload.InvoiceID, retry.ErrPermanent)
		}
		return "", err
	}
	if inv.Status == StatusIssued && inv.ExternalID != nil {
		return *inv.ExternalID, nil
	}

	code, err := i.authority.LookupServiceCode(ctx)
	if err != nil {
		return "", err
	}
	if err := i.repo.MarkProcessing(ctx, inv.ID, code); err != nil {
		return "", err
	}

	externalID, err := i.authority.ScheduleInvoice(ctx, fiscal.InvoiceRequest{
		ExternalID:      inv.ID.String(),
		CityServiceCode: code,
		Description:     fiscal.TruncateDescription(inv.Description),
		ServicesAmount:  inv.Value,
		Borrower: fiscal.Borrower{
			Name:             inv.CustomerName,
			Email:            inv.CustomerEmail,
			FederalTaxNumber: inv.CustomerTaxID,
		},
		Taxes: fiscal.NewISSTax(inv.Value, i.issRate),
	})
	if err != nil {
		return "", err
	}
	return externalID, nil
}

func (i *Issuer) OnSuccess(ctx context.Context, job retry.Job, attempts int, externalID string) error {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if err := i.repo.MarkIssued(ctx, payload.InvoiceID, externalID, i.now().UTC()); err != nil {
		return err
	}
	log.Info().Stringer("invoice_id", payload.InvoiceID).Str("external_id", externalID).Int("attempts", attempts).Msg("invoice: issued")
	return nil
}

func (i *Issuer) OnExhausted(ctx context.Context, job retry.Job, attempts int, lastErr error) error {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	log.Error().Err(lastErr).Stringer("invoice_id", payload.InvoiceID).Int("attempts", attempts).Msg("invoice: giving up on submission")
	return i.repo.MarkFailed(ctx, payload.InvoiceID, lastErr.Error())
}
