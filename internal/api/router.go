package api

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/catalog"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Index          *catalog.Index
	Sessions       *Sessions
	Orders         order.Repository
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// NewRouter mounts the catalog, cart, checkout and orders routes under
// /api/v1. Catalog reads need no session; everything else does.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	catalogHandler := NewCatalogHandler(cfg.Index, cfg.Metrics)
	cartHandler := NewCartHandler(cfg.Sessions, cfg.RequestTimeout)
	checkoutHandler := NewCheckoutHandler(cfg.Sessions, cfg.RequestTimeout)
	ordersHandler := NewOrdersHandler(cfg.Orders, cfg.RequestTimeout)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", catalogHandler.List)
		r.Get("/products/{id}", catalogHandler.Get)
		r.Get("/suggest", catalogHandler.Suggest)

		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cartHandler.GetCart)
				r.Delete("/", cartHandler.ClearCart)
				r.Post("/items", cartHandler.AddItem)
				r.Patch("/items", cartHandler.UpdateQuantity)
				r.Delete("/items", cartHandler.RemoveItem)
				r.Post("/revalidate", cartHandler.Revalidate)
			})

			r.Route("/checkout", func(r chi.Router) {
				r.Post("/", checkoutHandler.Start)
				r.Get("/", checkoutHandler.Get)
				r.Post("/review", checkoutHandler.Review)
				r.Post("/address", checkoutHandler.SubmitAddress)
				r.Post("/method", checkoutHandler.SelectMethod)
				r.Post("/payment", checkoutHandler.SubmitPayment)
				r.Post("/confirm", checkoutHandler.Confirm)
				r.Post("/back", checkoutHandler.Back)
				r.Post("/cancel", checkoutHandler.Cancel)
			})

			r.Get("/orders", ordersHandler.ListOrders)
			r.Get("/orders/{order_id}", ordersHandler.GetOrder)
		})
	})

	return r
}
