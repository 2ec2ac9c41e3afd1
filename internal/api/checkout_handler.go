package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/checkout"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/payment"
)

type CheckoutHandler struct {
	sessions *Sessions
	timeout  time.Duration
}

func NewCheckoutHandler(sessions *Sessions, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		sessions: sessions,
		timeout:  timeout,
	}
}

type SelectMethodRequestDTO struct {
	MethodID string `json:"method_id"`
}

type BackRequestDTO struct {
	Step domain.CheckoutStep `json:"step"`
}

type CheckoutResponse struct {
	Session checkout.Session `json:"session"`
	Order   *domain.Order    `json:"order,omitempty"`
}

// pipeline resolves the session's running checkout, writing the error
// response itself.
func (h *CheckoutHandler) pipeline(ctx context.Context, w http.ResponseWriter) (*checkout.Pipeline, bool) {
	sh, err := h.sessions.get(ctx, getSessionID(ctx))
	if err != nil {
		handleError(w, err)
		return nil, false
	}
	p := sh.currentCheckout()
	if p == nil {
		respondError(w, http.StatusNotFound, "no_checkout", "no checkout started for this session")
		return nil, false
	}
	return p, true
}

// respondStep writes the session even when the step failed, so clients see
// the recorded error next to the state it left behind.
func respondStep(w http.ResponseWriter, s checkout.Session, err error) {
	if err != nil {
		status, code := statusFor(err)
		resp := ErrorResponse{Error: err.Error(), Code: code, Details: s}
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
		respondJSON(w, status, resp)
		return
	}
	respondJSON(w, http.StatusOK, CheckoutResponse{Session: s})
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sh, err := h.sessions.get(ctx, getSessionID(ctx))
	if err != nil {
		handleError(w, err)
		return
	}
	p, created := h.sessions.startCheckout(sh)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, CheckoutResponse{Session: p.Session()})
}

// GET /api/v1/checkout
func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pipeline(r.Context(), w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, CheckoutResponse{Session: p.Session()})
}

// POST /api/v1/checkout/review
func (h *CheckoutHandler) Review(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.Review(ctx)
	respondStep(w, s, err)
}

// POST /api/v1/checkout/address
func (h *CheckoutHandler) SubmitAddress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var addr domain.Address
	if err := json.NewDecoder(r.Body).Decode(&addr); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.SubmitAddress(ctx, addr)
	respondStep(w, s, err)
}

// POST /api/v1/checkout/method
func (h *CheckoutHandler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SelectMethodRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MethodID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "method_id is required")
		return
	}
	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.SelectMethod(ctx, req.MethodID)
	respondStep(w, s, err)
}

// POST /api/v1/checkout/payment
//
// An empty body reuses a token captured earlier in this checkout.
func (h *CheckoutHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var details *payment.Details
	var req payment.Details
	switch err := json.NewDecoder(r.Body).Decode(&req); {
	case errors.Is(err, io.EOF):
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	case req != (payment.Details{}):
		details = &req
	}

	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.SubmitPayment(ctx, details)
	respondStep(w, s, err)
}

// POST /api/v1/checkout/confirm
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, o, err := p.Confirm(ctx)
	if err != nil {
		respondStep(w, s, err)
		return
	}
	respondJSON(w, http.StatusCreated, CheckoutResponse{Session: s, Order: o})
}

// POST /api/v1/checkout/back
func (h *CheckoutHandler) Back(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req BackRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Step == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "step is required")
		return
	}
	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.Back(ctx, req.Step)
	respondStep(w, s, err)
}

// POST /api/v1/checkout/cancel
func (h *CheckoutHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, ok := h.pipeline(ctx, w)
	if !ok {
		return
	}
	s, err := p.Cancel(ctx)
	respondStep(w, s, err)
}
