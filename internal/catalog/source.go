package catalog

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// Source lists the products an index is seeded from.
type Source interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

// Load upserts every product from src and returns how many were applied.
func (ix *Index) Load(ctx context.Context, src Source) (int, error) {
	products, err := src.ListProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load catalog: %w", err)
	}
	for _, p := range products {
		if err := ix.Upsert(p); err != nil {
			return 0, fmt.Errorf("load catalog: %w", err)
		}
	}
	return len(products), nil
}
