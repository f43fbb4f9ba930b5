package fiscal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/restclient"
)

// MaxDescriptionLength is the longest service description the authority accepts.
const MaxDescriptionLength = 2000

var ErrNoServiceCode = errors.New("no service code registered for the company")

type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	CompanyID       string
	CityServiceCode string
}

type Borrower struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	FederalTaxNumber string `json:"federalTaxNumber"`
}

// ISSTax is the flat municipal service tax sent with each invoice.
type ISSTax struct {
	Rate     decimal.Decimal `json:"issRate"`
	Amount   decimal.Decimal `json:"issTaxAmount"`
	Withheld bool            `json:"issWithheld"`
}

type InvoiceRequest struct {
	ExternalID      string          `json:"externalId"`
	CityServiceCode string          `json:"cityServiceCode"`
	Description     string          `json:"description"`
	ServicesAmount  decimal.Decimal `json:"servicesAmount"`
	Borrower        Borrower        `json:"borrower"`
	Taxes           ISSTax          `json:"taxes"`
}

// Authority issues service invoices on the company's behalf.
type Authority interface {
	LookupServiceCode(ctx context.Context) (string, error)
	ScheduleInvoice(ctx context.Context, req InvoiceRequest) (string, error)
}

type Client struct {
	rest            *restclient.Client
	companyID       string
	cityServiceCode string
}

func NewClient(cfg Config) *Client {
	return &Client{
		rest:            restclient.New(cfg.BaseURL, cfg.Timeout, restclient.HeaderAuth("Authorization", cfg.APIKey)),
		companyID:       cfg.CompanyID,
		cityServiceCode: cfg.CityServiceCode,
	}
}

var _ Authority = (*Client)(nil)

// LookupServiceCode returns the configured city service code when set, otherwise
// the first code registered for the company.
func (c *Client) LookupServiceCode(ctx context.Context) (string, error) {
	if c.cityServiceCode != "" {
		return c.cityServiceCode, nil
	}

	var resp struct {
		ServiceCodes []struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"serviceCodes"`
	}
	path := "/v1/companies/" + url.PathEscape(c.companyID) + "/servicecodes"
	if err := c.rest.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fiscal: lookup service code: %w", err)
	}
	if len(resp.ServiceCodes) == 0 || resp.ServiceCodes[0].Code == "" {
		return "", ErrNoServiceCode
	}
	return resp.ServiceCodes[0].Code, nil
}

// ScheduleInvoice queues the invoice with the authority and returns its id.
func (c *Client) ScheduleInvoice(ctx context.Context, req InvoiceRequest) (string, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"flowStatus"`
	}
	path := "/v1/companies/" + url.PathEscape(c.companyID) + "/serviceinvoices"
	if err := c.rest.Do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", fmt.Errorf("fiscal: schedule invoice %s: %w", req.ExternalID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("fiscal: schedule invoice %s: empty id in response", req.ExternalID)
	}
	return resp.ID, nil
}

// NewISSTax computes the flat tax object for amount at rate percent.
func NewISSTax(amount decimal.Decimal, ratePercent decimal.Decimal) ISSTax {
	return ISSTax{
		Rate:   ratePercent,
		Amount: amount.Mul(ratePercent).Div(decimal.NewFromInt(100)).Round(2),
	}
}

// TruncateDescription cuts s to the authority's limit without splitting a rune.
func TruncateDescription(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxDescriptionLength {
		return s
	}
	return string(runes[:MaxDescriptionLength])
}
