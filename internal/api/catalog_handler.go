package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/internal/catalog"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultSuggest  = 8
)

type CatalogHandler struct {
	index   *catalog.Index
	metrics *metrics.Metrics
}

// NewCatalogHandler serves catalog reads from index. A nil m records nothing.
func NewCatalogHandler(index *catalog.Index, m *metrics.Metrics) *CatalogHandler {
	if m == nil {
		m = metrics.Noop()
	}
	return &CatalogHandler{index: index, metrics: m}
}

type ProductsResponse struct {
	Products []catalog.ProductSummary `json:"products"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// GET /api/v1/products?q=&category=&tag=&min_price=&max_price=&min_rating=&in_stock=&sort=&page=&page_size=
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	start := time.Now()
	products, total, err := h.index.Query(f)
	h.metrics.CatalogQuery(r.Context(), start, string(f.Sort))
	if err != nil {
		handleError(w, err)
		return
	}
	if products == nil {
		products = []catalog.ProductSummary{}
	}
	respondJSON(w, http.StatusOK, ProductsResponse{
		Products: products,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

// GET /api/v1/products/{id}
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.index.Product(chi.URLParam(r, "id"))
	if !ok || !p.IsActive {
		respondError(w, http.StatusNotFound, "not_found", "product not found")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GET /api/v1/suggest?prefix=&limit=
func (h *CatalogHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	limit := defaultSuggest
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	suggestions := h.index.Suggest(r.URL.Query().Get("prefix"), limit)
	if suggestions == nil {
		suggestions = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"suggestions": suggestions})
}

func parseFilter(r *http.Request) (catalog.Filter, error) {
	q := r.URL.Query()
	f := catalog.Filter{
		CategoryIDs: splitList(q["category"]),
		Tags:        splitList(q["tag"]),
		SearchText:  q.Get("q"),
		Sort:        catalog.ParseSort(q.Get("sort")),
		Page:        1,
		PageSize:    defaultPageSize,
	}

	var err error
	if f.Page, err = intParam(q.Get("page"), 1); err != nil {
		return f, err
	}
	if f.PageSize, err = intParam(q.Get("page_size"), defaultPageSize); err != nil {
		return f, err
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}

	minPrice, maxPrice := q.Get("min_price"), q.Get("max_price")
	if minPrice != "" || maxPrice != "" {
		lo, err := int64Param(minPrice, 0)
		if err != nil {
			return f, err
		}
		hi, err := int64Param(maxPrice, math.MaxInt64)
		if err != nil {
			return f, err
		}
		f.PriceRange = &catalog.PriceRange{Min: domain.Money(lo), Max: domain.Money(hi)}
	}
	if v := q.Get("min_rating"); v != "" {
		if f.MinRating, err = strconv.ParseFloat(v, 64); err != nil {
			return f, err
		}
	}
	if v := q.Get("in_stock"); v != "" {
		if f.InStockOnly, err = strconv.ParseBool(v); err != nil {
			return f, err
		}
	}
	return f, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func int64Param(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// splitList accepts both repeated and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
