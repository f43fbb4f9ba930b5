package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	var rejected *order.CouponRejectedError
	var limited *order.RateLimitedError

	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &rejected), errors.Is(err, order.ErrNonPositivePrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrProductInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrInvalidInstallments), errors.Is(err, order.ErrInvalidPayment):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrGatewayFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate writes the 400 response itself and reports whether the
// handler may continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return false
	}

	err := validate.Struct(dst)
	if err == nil {
		return true
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   "Validation failed",
			Details: formatValidationErrors(validationErrors),
		})
	} else {
		log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
		respondWithError(w, http.StatusInternalServerError, "Internal validation error")
	}
	return false
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			details[field] = "is required"
		case "email":
			details[field] = "must be a valid email"
		case "oneof":
			details[field] = "must be one of: " + fe.Param()
		case "min", "gte":
			details[field] = "must be at least " + fe.Param()
		case "max", "lte":
			details[field] = "must be at most " + fe.Param()
		default:
			details[field] = "is invalid (" + fe.Tag() + ")"
		}
	}
	return details
}

func setRetryAfter(w http.ResponseWriter, seconds int) {
	if seconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
}
