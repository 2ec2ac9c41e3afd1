package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	orders  order.Repository
	timeout time.Duration
}

func NewOrdersHandler(orders order.Repository, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		timeout: timeout,
	}
}

// GET /api/v1/orders
//
// Orders are listed for the session's cart, newest first.
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orders, err := h.orders.ListOrdersByCart(ctx, getSessionID(r.Context()))
	if err != nil {
		handleError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "missing_order_id", "order_id is required")
		return
	}

	o, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		handleError(w, err)
		return
	}
	// another session's order is reported as missing
	if o.CartID != getSessionID(r.Context()) {
		respondError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	respondJSON(w, http.StatusOK, o)
}
