package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/gateway"
	"golang.org/x/crypto/bcrypt"
)

const (
	GatewayTokenHeader  = "asaas-access-token"
	IdentityTokenHeader = "X-Webhook-Token"

	IdentityUserCreated        = "user.created"
	IdentityInvitationAccepted = "invitation.accepted"
)

type GatewayEventHandler interface {
	HandleGatewayEvent(ctx context.Context, event gateway.Event) error
}

type OrderClaimer interface {
	ClaimOrderByEmail(ctx context.Context, email, identityUserID string) error
}

type InvitationAcceptor interface {
	MarkAccepted(ctx context.Context, externalInvitationID string) error
}

type IdentityEvent struct {
	Type string            `json:"type"`
	Data IdentityEventData `json:"data"`
}

type IdentityEventData struct {
	ID             string                 `json:"id"`
	EmailAddresses []IdentityEmailAddress `json:"email_addresses,omitempty"`
	EmailAddress   string                 `json:"email_address,omitempty"`
}

type IdentityEmailAddress struct {
	EmailAddress string `json:"email_address"`
}

// PrimaryEmail returns the first address attached to the identity.
func (d IdentityEventData) PrimaryEmail() string {
	if d.EmailAddress != "" {
		return d.EmailAddress
	}
	if len(d.EmailAddresses) > 0 {
		return d.EmailAddresses[0].EmailAddress
	}
	return ""
}

type WebhookHandler struct {
	reconciler        GatewayEventHandler
	claims            OrderClaimer
	invitations       InvitationAcceptor
	gatewayTokenHash  []byte
	identityTokenHash []byte
}

func NewWebhookHandler(reconciler GatewayEventHandler, claims OrderClaimer, invitations InvitationAcceptor, gatewayTokenHash, identityTokenHash string) *WebhookHandler {
	if gatewayTokenHash == "" || identityTokenHash == "" {
		log.Warn().Msg("Webhook token hash not configured, unauthenticated webhooks will be rejected")
	}
	return &WebhookHandler{
		reconciler:        reconciler,
		claims:            claims,
		invitations:       invitations,
		gatewayTokenHash:  []byte(gatewayTokenHash),
		identityTokenHash: []byte(identityTokenHash),
	}
}

func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Route("/webhooks", func(r chi.Router) {
		r.Post("/gateway", h.handleGatewayWebhook)
		r.Post("/identity", h.handleIdentityWebhook)
	})
}

func authorized(hash []byte, token string) bool {
	if len(hash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// handleGatewayWebhook answers 200 for every event the reconciler chose to
// drop; the gateway retries anything else.
func (h *WebhookHandler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if !authorized(h.gatewayTokenHash, r.Header.Get(GatewayTokenHeader)) {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected gateway webhook with invalid token")
		respondWithError(w, http.StatusUnauthorized, "Invalid webhook token")
		return
	}

	var event gateway.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Warn().Err(err).Msg("Failed to decode gateway webhook")
		respondWithError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	if err := h.reconciler.HandleGatewayEvent(r.Context(), event); err != nil {
		log.Error().Err(err).
			Str("event", event.Event).
			Str("payment_id", event.Payment.ID).
			Str("external_reference", event.Payment.ExternalReference).
			Msg("Failed to reconcile gateway event")
		respondWithError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	if !authorized(h.identityTokenHash, r.Header.Get(IdentityTokenHeader)) {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected identity webhook with invalid token")
		respondWithError(w, http.StatusUnauthorized, "Invalid webhook token")
		return
	}

	var event IdentityEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Warn().Err(err).Msg("Failed to decode identity webhook")
		respondWithError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	var err error
	switch event.Type {
	case IdentityUserCreated:
		err = h.claims.ClaimOrderByEmail(r.Context(), event.Data.PrimaryEmail(), event.Data.ID)
	case IdentityInvitationAccepted:
		err = h.invitations.MarkAccepted(r.Context(), event.Data.ID)
	default:
		log.Debug().Str("type", event.Type).Msg("Ignoring identity webhook")
	}
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Str("identity_id", event.Data.ID).Msg("Failed to process identity event")
		respondWithError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
