package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cart"
	"github.com/fjod/go_cart/storefront/internal/domain"
)

type CartHandler struct {
	sessions *Sessions
	timeout  time.Duration
}

func NewCartHandler(sessions *Sessions, timeout time.Duration) *CartHandler {
	return &CartHandler{
		sessions: sessions,
		timeout:  timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type RemoveItemRequestDTO struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type CartResponse struct {
	Cart   domain.Cart        `json:"cart"`
	Totals domain.Totals      `json:"totals"`
	Issues []domain.LineIssue `json:"issues,omitempty"`
}

func cartResponse(c domain.Cart, issues []domain.LineIssue) CartResponse {
	if c.Lines == nil {
		c.Lines = []domain.CartLine{}
	}
	return CartResponse{Cart: c, Totals: c.ComputeTotals(), Issues: issues}
}

// store resolves the session's cart, writing the error response itself.
func (h *CartHandler) store(ctx context.Context, w http.ResponseWriter) (*cart.Store, bool) {
	sh, err := h.sessions.get(ctx, getSessionID(ctx))
	if err != nil {
		handleError(w, err)
		return nil, false
	}
	return sh.cart, true
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c.Snapshot(), nil))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	snapshot, err := c.AddItem(ctx, req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cartResponse(snapshot, nil))
}

// PATCH /api/v1/cart/items
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	snapshot, err := c.UpdateQuantity(ctx, req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(snapshot, nil))
}

// DELETE /api/v1/cart/items
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req RemoveItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	snapshot, err := c.RemoveItem(ctx, req.ProductID, req.VariantID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(snapshot, nil))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	if err := c.Clear(ctx); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c.Snapshot(), nil))
}

// POST /api/v1/cart/revalidate
func (h *CartHandler) Revalidate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, ok := h.store(ctx, w)
	if !ok {
		return
	}
	snapshot, issues, err := c.Revalidate(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(snapshot, issues))
}
