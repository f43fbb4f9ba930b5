package http_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vasiliy-maslov/course-checkout/internal/gateway"
	checkoutHttp "github.com/vasiliy-maslov/course-checkout/internal/handler/http"
)

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) HandleGatewayEvent(ctx context.Context, event gateway.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockClaimer struct {
	mock.Mock
}

func (m *MockClaimer) ClaimOrderByEmail(ctx context.Context, email, identityUserID string) error {
	args := m.Called(ctx, email, identityUserID)
	return args.Error(0)
}

type MockAcceptor struct {
	mock.Mock
}

func (m *MockAcceptor) MarkAccepted(ctx context.Context, externalInvitationID string) error {
	args := m.Called(ctx, externalInvitationID)
	return args.Error(0)
}

const (
	gatewayToken  = "gw-secret-token"
	identityToken = "id-secret-token"
)

type webhookFixture struct {
	reconciler *MockReconciler
	claimer    *MockClaimer
	acceptor   *MockAcceptor
	router     chi.Router
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gatewayHash, err := bcrypt.GenerateFromPassword([]byte(gatewayToken), bcrypt.MinCost)
	require.NoError(t, err)
	identityHash, err := bcrypt.GenerateFromPassword([]byte(identityToken), bcrypt.MinCost)
	require.NoError(t, err)

	f := &webhookFixture{
		reconciler: new(MockReconciler),
		claimer:    new(MockClaimer),
		acceptor:   new(MockAcceptor),
		router:     chi.NewRouter(),
	}
	checkoutHttp.NewWebhookHandler(f.reconciler, f.claimer, f.acceptor, string(gatewayHash), string(identityHash)).
		RegisterRoutes(f.router)
	return f
}

func (f *webhookFixture) post(path, header, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(header, token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

const receivedPayload = `{
	"event": "PAYMENT_RECEIVED",
	"payment": {
		"id": "pay_080225913252",
		"value": 100.00,
		"totalValue": 300.00,
		"status": "RECEIVED",
		"externalReference": "0b7e1d2c-3f4a-4b5c-8d6e-7f8091a2b3c4",
		"installmentNumber": 1,
		"installment": "inst_5c1d"
	}
}`

func TestWebhookHandler_Gateway(t *testing.T) {
	f := newWebhookFixture(t)

	f.reconciler.On("HandleGatewayEvent", mock.Anything, mock.MatchedBy(func(e gateway.Event) bool {
		return e.Event == gateway.EventPaymentReceived &&
			e.Payment.ID == "pay_080225913252" &&
			e.Payment.Value.Equal(decimal.NewFromInt(100)) &&
			e.Payment.TotalValue != nil && e.Payment.TotalValue.Equal(decimal.NewFromInt(300)) &&
			e.Payment.InstallmentNumber != nil && *e.Payment.InstallmentNumber == 1 &&
			e.Payment.Installment == "inst_5c1d" &&
			e.Payment.ExternalReference == "0b7e1d2c-3f4a-4b5c-8d6e-7f8091a2b3c4"
	})).Return(nil).Once()

	rr := f.post("/webhooks/gateway", checkoutHttp.GatewayTokenHeader, gatewayToken, receivedPayload)

	assert.Equal(t, http.StatusOK, rr.Code)
	f.reconciler.AssertExpectations(t)
}

func TestWebhookHandler_GatewayUnknownEventIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.On("HandleGatewayEvent", mock.Anything, mock.Anything).Return(nil).Once()

	rr := f.post("/webhooks/gateway", checkoutHttp.GatewayTokenHeader, gatewayToken,
		`{"event":"PAYMENT_OVERDUE","payment":{"id":"pay_1","value":10,"status":"OVERDUE","extra":"ignored"},"dateCreated":"2025-04-16"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	f.reconciler.AssertExpectations(t)
}

func TestWebhookHandler_GatewayRejections(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		body       string
		wantStatus int
	}{
		{name: "missing token", token: "", body: receivedPayload, wantStatus: http.StatusUnauthorized},
		{name: "wrong token", token: "guess", body: receivedPayload, wantStatus: http.StatusUnauthorized},
		{name: "not json", token: gatewayToken, body: "event=PAYMENT_RECEIVED", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t)

			rr := f.post("/webhooks/gateway", checkoutHttp.GatewayTokenHeader, tt.token, tt.body)

			assert.Equal(t, tt.wantStatus, rr.Code)
			f.reconciler.AssertNotCalled(t, "HandleGatewayEvent", mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookHandler_GatewayFatalError(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.On("HandleGatewayEvent", mock.Anything, mock.Anything).Return(errors.New("grant failed")).Once()

	rr := f.post("/webhooks/gateway", checkoutHttp.GatewayTokenHeader, gatewayToken, receivedPayload)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWebhookHandler_EmptyHashRejectsEverything(t *testing.T) {
	router := chi.NewRouter()
	reconciler := new(MockReconciler)
	checkoutHttp.NewWebhookHandler(reconciler, new(MockClaimer), new(MockAcceptor), "", "").RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewBufferString(receivedPayload))
	req.Header.Set(checkoutHttp.GatewayTokenHeader, gatewayToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	reconciler.AssertNotCalled(t, "HandleGatewayEvent", mock.Anything, mock.Anything)
}

func TestWebhookHandler_IdentityUserCreated(t *testing.T) {
	f := newWebhookFixture(t)
	f.claimer.On("ClaimOrderByEmail", mock.Anything, "ana@example.com", "user_2abc").Return(nil).Once()

	rr := f.post("/webhooks/identity", checkoutHttp.IdentityTokenHeader, identityToken,
		`{"type":"user.created","data":{"id":"user_2abc","email_addresses":[{"email_address":"ana@example.com"}]}}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	f.claimer.AssertExpectations(t)
}

func TestWebhookHandler_IdentityInvitationAccepted(t *testing.T) {
	f := newWebhookFixture(t)
	f.acceptor.On("MarkAccepted", mock.Anything, "inv_42").Return(nil).Once()

	rr := f.post("/webhooks/identity", checkoutHttp.IdentityTokenHeader, identityToken,
		`{"type":"invitation.accepted","data":{"id":"inv_42","email_address":"ana@example.com"}}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	f.acceptor.AssertExpectations(t)
}

func TestWebhookHandler_IdentityErrors(t *testing.T) {
	f := newWebhookFixture(t)

	rr := f.post("/webhooks/identity", checkoutHttp.IdentityTokenHeader, gatewayToken, `{"type":"user.created"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.post("/webhooks/identity", checkoutHttp.IdentityTokenHeader, identityToken, `{"type":"session.created","data":{"id":"sess_1"}}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	f.claimer.On("ClaimOrderByEmail", mock.Anything, "ana@example.com", "user_2abc").Return(errors.New("db down")).Once()
	rr = f.post("/webhooks/identity", checkoutHttp.IdentityTokenHeader, identityToken,
		`{"type":"user.created","data":{"id":"user_2abc","email_address":"ana@example.com"}}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	f.claimer.AssertExpectations(t)
	f.acceptor.AssertNotCalled(t, "MarkAccepted", mock.Anything, mock.Anything)
}

func TestHealthHandler(t *testing.T) {
	router := chi.NewRouter()
	checkoutHttp.NewHealthHandler(map[string]checkoutHttp.Pinger{
		"postgres": checkoutHttp.PingFunc(func(context.Context) error { return nil }),
	}).RegisterRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	router = chi.NewRouter()
	checkoutHttp.NewHealthHandler(map[string]checkoutHttp.Pinger{
		"redis": checkoutHttp.PingFunc(func(context.Context) error { return errors.New("refused") }),
	}).RegisterRoutes(router)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"redis":"down"`)
}
