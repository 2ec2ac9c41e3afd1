package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/order"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleError maps an engine error to an HTTP status by its class. Line
// issues travel in Details so clients can show them next to the lines.
func handleError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var changed *domain.CartChangedError
	var short *domain.InsufficientStockError
	switch {
	case errors.As(err, &changed):
		resp.Details = changed.Issues
	case errors.As(err, &short):
		resp.Details = short.Lines
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	respondJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrLineNotFound),
		errors.Is(err, order.ErrOrderNotFound), errors.Is(err, domain.ErrVariantNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, domain.ErrStepInProgress):
		return http.StatusConflict, "step_in_progress"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	}

	switch domain.Classify(err) {
	case domain.ClassInput:
		return http.StatusBadRequest, "invalid_argument"
	case domain.ClassConsistency:
		return http.StatusConflict, "conflict"
	case domain.ClassTransient:
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
