package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/coupon"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
)

type CouponValidator interface {
	Validate(ctx context.Context, code string, basePrice decimal.Decimal, customerKey string) (coupon.Result, error)
}

type ValidateCouponRequest struct {
	Code        string          `json:"code"`
	BasePrice   decimal.Decimal `json:"base_price"`
	CustomerKey string          `json:"customer_key" validate:"omitempty,max=128"`
}

type ValidateCouponResponse struct {
	Valid             bool             `json:"valid"`
	Code              string           `json:"code,omitempty"`
	FinalPrice        *decimal.Decimal `json:"final_price,omitempty"`
	Discount          *decimal.Decimal `json:"discount,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	RetryAfterSeconds int              `json:"retry_after_seconds,omitempty"`
}

type CreateOrderRequest struct {
	Email            string `json:"email" validate:"required,email"`
	TaxID            string `json:"tax_id" validate:"required,min=11,max=18"`
	Name             string `json:"name" validate:"required,min=2"`
	ProductID        string `json:"product_id" validate:"required,uuid"`
	PaymentMethod    string `json:"payment_method" validate:"required,oneof=PIX CARD"`
	CouponCode       string `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
	InstallmentCount *int   `json:"installment_count,omitempty" validate:"omitempty,min=1,max=12"`
}

type OrderResponse struct {
	*order.Order
	Expired bool `json:"expired"`
}

type CheckoutResponse struct {
	Order      OrderResponse        `json:"order"`
	Breakdown  order.PriceBreakdown `json:"price_breakdown"`
	PaymentID  string               `json:"payment_id"`
	InvoiceURL string               `json:"invoice_url,omitempty"`
}

type CheckoutHandler struct {
	orders   order.Service
	coupons  CouponValidator
	validate *validator.Validate
	now      func() time.Time
}

func NewCheckoutHandler(orders order.Service, coupons CouponValidator) *CheckoutHandler {
	return &CheckoutHandler{
		orders:   orders,
		coupons:  coupons,
		validate: newValidator(),
		now:      time.Now,
	}
}

func (h *CheckoutHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/coupons/validate", h.handleValidateCoupon)
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders/{id}", h.handleGetOrder)
	})
}

func (h *CheckoutHandler) handleValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var requestPayload ValidateCouponRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}
	if requestPayload.BasePrice.IsNegative() {
		respondWithError(w, http.StatusBadRequest, "base_price must not be negative")
		return
	}

	customerKey := requestPayload.CustomerKey
	if customerKey == "" {
		customerKey = clientIP(r)
	}

	result, err := h.coupons.Validate(r.Context(), requestPayload.Code, requestPayload.BasePrice, customerKey)
	if err != nil {
		log.Error().Err(err).Str("code", requestPayload.Code).Msg("Failed to validate coupon via service")
		respondWithError(w, http.StatusInternalServerError, "Failed to validate coupon")
		return
	}

	response := ValidateCouponResponse{
		Valid:             result.Valid,
		Code:              result.Code,
		Reason:            result.Reason,
		RetryAfterSeconds: result.RetryAfterSeconds,
	}
	if result.Valid {
		response.FinalPrice = &result.FinalPrice
		response.Discount = &result.Discount
	}

	status := http.StatusOK
	if result.RetryAfterSeconds > 0 {
		setRetryAfter(w, result.RetryAfterSeconds)
		status = http.StatusTooManyRequests
	}
	respondWithJSON(w, status, response)
}

func (h *CheckoutHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	input := order.CreateOrderInput{
		Email:            requestPayload.Email,
		TaxID:            requestPayload.TaxID,
		Name:             requestPayload.Name,
		ProductID:        uuid.FromStringOrNil(requestPayload.ProductID),
		PaymentMethod:    order.PaymentMethod(requestPayload.PaymentMethod),
		CouponCode:       requestPayload.CouponCode,
		InstallmentCount: requestPayload.InstallmentCount,
	}

	result, err := h.orders.Checkout(r.Context(), input)
	if err != nil {
		h.respondWithCheckoutError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, CheckoutResponse{
		Order:      OrderResponse{Order: result.Order, Expired: result.Order.IsExpired(h.now())},
		Breakdown:  result.Breakdown,
		PaymentID:  result.PaymentID,
		InvoiceURL: result.InvoiceURL,
	})
}

func (h *CheckoutHandler) respondWithCheckoutError(w http.ResponseWriter, err error) {
	statusCode := mapErrorToStatusCode(err)

	var rejected *order.CouponRejectedError
	var limited *order.RateLimitedError

	switch {
	case errors.As(err, &limited):
		log.Warn().Int("retry_after", limited.RetryAfterSeconds).Msg("Order creation rate limited")
		setRetryAfter(w, limited.RetryAfterSeconds)
		respondWithError(w, statusCode, "Too many orders, try again later")
	case errors.As(err, &rejected):
		log.Info().Str("coupon_code", rejected.Code).Str("reason", rejected.Reason).Msg("Coupon rejected at checkout")
		respondWithError(w, statusCode, rejected.Reason)
	case statusCode == http.StatusInternalServerError:
		log.Error().Err(err).Msg("Failed to create order via service")
		respondWithError(w, statusCode, "Failed to create order")
	case statusCode == http.StatusBadGateway:
		log.Error().Err(err).Msg("Payment provider failed during checkout")
		respondWithError(w, statusCode, "Payment provider unavailable, try again later")
	default:
		log.Warn().Err(err).Msg("Order rejected")
		respondWithError(w, statusCode, err.Error())
	}
}

func (h *CheckoutHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	foundOrder, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		if errors.Is(err, order.ErrOrderNotFound) {
			clientMessage = "Order not found"
		} else {
			log.Error().Err(err).Msg("Failed to get order by id via service")
			clientMessage = "Failed to get order by id"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, OrderResponse{Order: foundOrder, Expired: foundOrder.IsExpired(h.now())})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
