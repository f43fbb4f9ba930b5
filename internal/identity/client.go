package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vasiliy-maslov/course-checkout/internal/restclient"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RedirectURL string
}

type Invitation struct {
	Email    string
	Metadata map[string]string
}

// Provider is the identity provider that owns user accounts.
type Provider interface {
	SendInvitation(ctx context.Context, inv Invitation) (string, error)
}

type Client struct {
	rest        *restclient.Client
	redirectURL string
}

func NewClient(cfg Config) *Client {
	return &Client{
		rest:        restclient.New(cfg.BaseURL, cfg.Timeout, restclient.BearerAuth(cfg.APIKey)),
		redirectURL: cfg.RedirectURL,
	}
}

var _ Provider = (*Client)(nil)

type invitationRequest struct {
	EmailAddress   string            `json:"email_address"`
	PublicMetadata map[string]string `json:"public_metadata,omitempty"`
	RedirectURL    string            `json:"redirect_url,omitempty"`
	IgnoreExisting bool              `json:"ignore_existing"`
}

// SendInvitation returns the provider's invitation id.
func (c *Client) SendInvitation(ctx context.Context, inv Invitation) (string, error) {
	req := invitationRequest{
		EmailAddress:   inv.Email,
		PublicMetadata: inv.Metadata,
		RedirectURL:    c.redirectURL,
		IgnoreExisting: true,
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.rest.Do(ctx, http.MethodPost, "/v1/invitations", req, &resp); err != nil {
		return "", fmt.Errorf("identity: send invitation: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("identity: send invitation: empty id in response")
	}
	return resp.ID, nil
}
