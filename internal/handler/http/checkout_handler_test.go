package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/course-checkout/internal/coupon"
	checkoutHttp "github.com/vasiliy-maslov/course-checkout/internal/handler/http"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
)

type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) CreatePendingOrder(ctx context.Context, input order.CreateOrderInput) (*order.Order, order.PriceBreakdown, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, order.PriceBreakdown{}, args.Error(2)
	}
	return args.Get(0).(*order.Order), args.Get(1).(order.PriceBreakdown), args.Error(2)
}

func (m *MockOrderService) Checkout(ctx context.Context, input order.CreateOrderInput) (*order.CheckoutResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.CheckoutResult), args.Error(1)
}

func (m *MockOrderService) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

type MockCouponValidator struct {
	mock.Mock
}

func (m *MockCouponValidator) Validate(ctx context.Context, code string, basePrice decimal.Decimal, customerKey string) (coupon.Result, error) {
	args := m.Called(ctx, code, basePrice, customerKey)
	return args.Get(0).(coupon.Result), args.Error(1)
}

func newCheckoutRouter(orders order.Service, coupons checkoutHttp.CouponValidator) chi.Router {
	router := chi.NewRouter()
	checkoutHttp.NewCheckoutHandler(orders, coupons).RegisterRoutes(router)
	return router
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func validOrderRequest() checkoutHttp.CreateOrderRequest {
	return checkoutHttp.CreateOrderRequest{
		Email:         "ana@example.com",
		TaxID:         "12345678909",
		Name:          "Ana Souza",
		ProductID:     "5f1c0d0e-9a4e-4f7b-8a51-0c1d2e3f4a5b",
		PaymentMethod: "PIX",
		CouponCode:    "save10",
	}
}

func TestCheckoutHandler_handleValidateCoupon(t *testing.T) {
	mockValidator := new(MockCouponValidator)
	router := newCheckoutRouter(new(MockOrderService), mockValidator)

	mockValidator.On("Validate", mock.Anything, "save10", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(200))
	}), "cust-1").Return(coupon.Result{
		Valid:      true,
		Code:       "SAVE10",
		FinalPrice: decimal.RequireFromString("180.00"),
		Discount:   decimal.RequireFromString("20.00"),
	}, nil).Once()

	rr := postJSON(t, router, "/api/v1/coupons/validate", map[string]interface{}{
		"code":         "save10",
		"base_price":   200,
		"customer_key": "cust-1",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var actualResponse checkoutHttp.ValidateCouponResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse))
	assert.True(t, actualResponse.Valid)
	assert.Equal(t, "SAVE10", actualResponse.Code)
	require.NotNil(t, actualResponse.FinalPrice)
	assert.Equal(t, "180", actualResponse.FinalPrice.String())
	assert.Equal(t, "20", actualResponse.Discount.String())
	mockValidator.AssertExpectations(t)
}

func TestCheckoutHandler_handleValidateCoupon_RateLimited(t *testing.T) {
	mockValidator := new(MockCouponValidator)
	router := newCheckoutRouter(new(MockOrderService), mockValidator)

	mockValidator.On("Validate", mock.Anything, "SAVE10", mock.Anything, "192.0.2.10").Return(coupon.Result{
		Valid:             false,
		Code:              "SAVE10",
		Reason:            coupon.ReasonTooManyChecks,
		RetryAfterSeconds: 42,
	}, nil).Once()

	jsonBody := []byte(`{"code":"SAVE10","base_price":"200.00"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/coupons/validate", bytes.NewBuffer(jsonBody))
	req.RemoteAddr = "192.0.2.10:5123"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "42", rr.Header().Get("Retry-After"))
	var actualResponse checkoutHttp.ValidateCouponResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse))
	assert.False(t, actualResponse.Valid)
	assert.Nil(t, actualResponse.FinalPrice)
	assert.Equal(t, coupon.ReasonTooManyChecks, actualResponse.Reason)
	mockValidator.AssertExpectations(t)
}

func TestCheckoutHandler_handleValidateCoupon_BadPayload(t *testing.T) {
	mockValidator := new(MockCouponValidator)
	router := newCheckoutRouter(new(MockOrderService), mockValidator)

	rr := postJSON(t, router, "/api/v1/coupons/validate", map[string]interface{}{"code": "X", "base_price": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, router, "/api/v1/coupons/validate", map[string]interface{}{"code": "X", "unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	mockValidator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckoutHandler_handleCreateOrder_Success(t *testing.T) {
	mockService := new(MockOrderService)
	router := newCheckoutRouter(mockService, new(MockCouponValidator))
	requestDTO := validOrderRequest()

	createdOrder := &order.Order{
		ID:            uuid.Must(uuid.NewV4()),
		CustomerEmail: requestDTO.Email,
		PaymentMethod: order.MethodPix,
		FinalPrice:    decimal.RequireFromString("162.00"),
		Status:        order.StatusPending,
		PixQrPayload:  ptr("00020126...6304ABCD"),
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
	}
	breakdown := order.PriceBreakdown{
		OriginalPrice:  decimal.NewFromInt(200),
		PixDiscount:    decimal.NewFromInt(20),
		CouponCode:     "SAVE10",
		CouponDiscount: decimal.NewFromInt(18),
		FinalPrice:     decimal.NewFromInt(162),
	}

	mockService.On("Checkout", mock.Anything, mock.MatchedBy(func(in order.CreateOrderInput) bool {
		return in.Email == requestDTO.Email &&
			in.TaxID == requestDTO.TaxID &&
			in.ProductID.String() == requestDTO.ProductID &&
			in.PaymentMethod == order.MethodPix &&
			in.CouponCode == "save10" &&
			in.InstallmentCount == nil
	})).Return(&order.CheckoutResult{
		Order:     createdOrder,
		Breakdown: breakdown,
		PaymentID: "pay_123",
	}, nil).Once()

	rr := postJSON(t, router, "/api/v1/orders", requestDTO)

	require.Equal(t, http.StatusCreated, rr.Code)
	var actualResponse checkoutHttp.CheckoutResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse), "Failed to decode response body")
	require.NotNil(t, actualResponse.Order.Order)
	assert.Equal(t, createdOrder.ID, actualResponse.Order.ID)
	assert.False(t, actualResponse.Order.Expired)
	assert.Equal(t, "pay_123", actualResponse.PaymentID)
	assert.Equal(t, "00020126...6304ABCD", *actualResponse.Order.PixQrPayload)
	assert.True(t, breakdown.FinalPrice.Equal(actualResponse.Breakdown.FinalPrice))
	mockService.AssertExpectations(t)
}

func TestCheckoutHandler_handleCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *checkoutHttp.CreateOrderRequest)
		field  string
	}{
		{name: "bad email", mutate: func(r *checkoutHttp.CreateOrderRequest) { r.Email = "not-an-email" }, field: "email"},
		{name: "missing tax id", mutate: func(r *checkoutHttp.CreateOrderRequest) { r.TaxID = "" }, field: "tax_id"},
		{name: "bad product id", mutate: func(r *checkoutHttp.CreateOrderRequest) { r.ProductID = "course-1" }, field: "product_id"},
		{name: "unknown method", mutate: func(r *checkoutHttp.CreateOrderRequest) { r.PaymentMethod = "BOLETO" }, field: "payment_method"},
		{name: "too many installments", mutate: func(r *checkoutHttp.CreateOrderRequest) { r.InstallmentCount = ptr(13) }, field: "installment_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockOrderService)
			router := newCheckoutRouter(mockService, new(MockCouponValidator))
			requestDTO := validOrderRequest()
			tt.mutate(&requestDTO)

			rr := postJSON(t, router, "/api/v1/orders", requestDTO)

			require.Equal(t, http.StatusBadRequest, rr.Code)
			var actualResponse checkoutHttp.ValidationErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse))
			assert.Contains(t, actualResponse.Details, tt.field)
			mockService.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)
		})
	}
}

func TestCheckoutHandler_handleCreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "product not found", err: order.ErrProductNotFound, wantStatus: http.StatusNotFound, wantError: order.ErrProductNotFound.Error()},
		{name: "product inactive", err: order.ErrProductInactive, wantStatus: http.StatusUnprocessableEntity, wantError: order.ErrProductInactive.Error()},
		{name: "non positive price", err: order.ErrNonPositivePrice, wantStatus: http.StatusUnprocessableEntity, wantError: order.ErrNonPositivePrice.Error()},
		{
			name:       "coupon rejected",
			err:        fmt.Errorf("service: %w", &order.CouponRejectedError{Code: "SAVE10", Reason: coupon.ReasonExpired}),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  coupon.ReasonExpired,
		},
		{name: "gateway down", err: fmt.Errorf("service: %w: %w", order.ErrGatewayFailed, errors.New("502")), wantStatus: http.StatusBadGateway, wantError: "Payment provider unavailable, try again later"},
		{name: "store failure", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantError: "Failed to create order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockOrderService)
			router := newCheckoutRouter(mockService, new(MockCouponValidator))
			mockService.On("Checkout", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rr := postJSON(t, router, "/api/v1/orders", validOrderRequest())

			require.Equal(t, tt.wantStatus, rr.Code)
			var actualResponse checkoutHttp.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse))
			assert.Equal(t, tt.wantError, actualResponse.Error)
			mockService.AssertExpectations(t)
		})
	}
}

func TestCheckoutHandler_handleCreateOrder_RateLimited(t *testing.T) {
	mockService := new(MockOrderService)
	router := newCheckoutRouter(mockService, new(MockCouponValidator))
	mockService.On("Checkout", mock.Anything, mock.Anything).
		Return(nil, &order.RateLimitedError{RetryAfterSeconds: 100}).
		Once()

	rr := postJSON(t, router, "/api/v1/orders", validOrderRequest())

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "100", rr.Header().Get("Retry-After"))
	mockService.AssertExpectations(t)
}

func TestCheckoutHandler_handleGetOrder(t *testing.T) {
	mockService := new(MockOrderService)
	router := newCheckoutRouter(mockService, new(MockCouponValidator))

	expiredID := uuid.Must(uuid.NewV4())
	mockService.On("GetOrder", mock.Anything, expiredID).Return(&order.Order{
		ID:        expiredID,
		Status:    order.StatusPending,
		ExpiresAt: time.Now().Add(-time.Hour),
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+expiredID.String(), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var actualResponse checkoutHttp.OrderResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actualResponse))
	assert.Equal(t, expiredID, actualResponse.ID)
	assert.True(t, actualResponse.Expired)
	assert.Equal(t, order.StatusPending, actualResponse.Status)

	missingID := uuid.Must(uuid.NewV4())
	mockService.On("GetOrder", mock.Anything, missingID).Return(nil, order.ErrOrderNotFound).Once()

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+missingID.String(), nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	mockService.AssertExpectations(t)
}

func ptr[T any](v T) *T {
	return &v
}
