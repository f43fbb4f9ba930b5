package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/restclient"
)

const (
	dateLayout    = "2006-01-02"
	pixDateLayout = "2006-01-02 15:04:05"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the gateway's v3 REST API.
type Client struct {
	rest *restclient.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		rest: restclient.New(cfg.BaseURL, cfg.Timeout, restclient.HeaderAuth("access_token", cfg.APIKey)),
	}
}

var _ Gateway = (*Client)(nil)

func (c *Client) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.rest.Do(ctx, http.MethodPost, "/v3/customers", customer, &resp); err != nil {
		return "", fmt.Errorf("gateway: create customer: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway: create customer: empty id in response")
	}
	return resp.ID, nil
}

type chargeRequest struct {
	Customer          string      `json:"customer"`
	BillingType       BillingType `json:"billingType"`
	Value             float64     `json:"value,omitempty"`
	TotalValue        float64     `json:"totalValue,omitempty"`
	InstallmentCount  int         `json:"installmentCount,omitempty"`
	DueDate           string      `json:"dueDate"`
	Description       string      `json:"description,omitempty"`
	ExternalReference string      `json:"externalReference"`
}

func (c *Client) CreateCharge(ctx context.Context, charge Charge) (Payment, error) {
	req := chargeRequest{
		Customer:          charge.CustomerID,
		BillingType:       charge.BillingType,
		DueDate:           charge.DueDate.Format(dateLayout),
		Description:       charge.Description,
		ExternalReference: charge.ExternalReference,
	}
	// installment plans are priced by their total; the gateway splits it
	if charge.InstallmentCount != nil && *charge.InstallmentCount > 1 {
		req.InstallmentCount = *charge.InstallmentCount
		req.TotalValue = charge.Value.InexactFloat64()
	} else {
		req.Value = charge.Value.InexactFloat64()
	}

	var p Payment
	if err := c.rest.Do(ctx, http.MethodPost, "/v3/payments", req, &p); err != nil {
		return Payment{}, fmt.Errorf("gateway: create charge for %s: %w", charge.ExternalReference, err)
	}

	log.Info().
		Str("payment_id", p.ID).
		Str("external_reference", charge.ExternalReference).
		Str("billing_type", string(charge.BillingType)).
		Msg("gateway: charge created")
	return p, nil
}

func (c *Client) GetPixQrCode(ctx context.Context, paymentID string) (PixQrCode, error) {
	var resp struct {
		EncodedImage   string `json:"encodedImage"`
		Payload        string `json:"payload"`
		ExpirationDate string `json:"expirationDate"`
	}
	path := "/v3/payments/" + url.PathEscape(paymentID) + "/pixQrCode"
	if err := c.rest.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return PixQrCode{}, fmt.Errorf("gateway: get pix qr code for %s: %w", paymentID, err)
	}

	qr := PixQrCode{EncodedImage: resp.EncodedImage, Payload: resp.Payload}
	if resp.ExpirationDate != "" {
		exp, err := time.ParseInLocation(pixDateLayout, resp.ExpirationDate, time.UTC)
		if err != nil {
			log.Warn().Err(err).Str("payment_id", paymentID).Msg("gateway: unparseable pix expiration date")
		} else {
			qr.ExpirationDate = exp
		}
	}
	return qr, nil
}
