package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
)

// ProductResolver resolves products by id, active or not. *catalog.Index
// satisfies it.
type ProductResolver interface {
	Product(id string) (*domain.Product, bool)
}

// Reconcile checks lines against the catalog and the inventory oracle and
// returns the corrected lines plus one issue per line that is not ok.
// Lines are never dropped: vanished products and variants are flagged
// unavailable, and quantities above stock are clamped.
func Reconcile(ctx context.Context, resolver ProductResolver, oracle inventory.Oracle, timeout time.Duration, lines []domain.CartLine) ([]domain.CartLine, []domain.LineIssue, error) {
	out := make([]domain.CartLine, len(lines))
	var issues []domain.LineIssue

	for i, line := range lines {
		line.Status = domain.LineOK
		line.UnavailableReason = ""

		available, reason, err := lineAvailability(ctx, resolver, oracle, timeout, line)
		if err != nil {
			return nil, nil, err
		}

		switch {
		case reason != "":
			line.Status = domain.LineUnavailable
			line.UnavailableReason = reason
		case line.Quantity > available:
			line.Status = domain.LineQuantityReduced
		}

		if line.Status != domain.LineOK {
			issues = append(issues, domain.LineIssue{
				Key:       line.Key(),
				Status:    line.Status,
				Reason:    line.UnavailableReason,
				Requested: line.Quantity,
				Available: available,
			})
		}
		if line.Status == domain.LineQuantityReduced {
			line.Quantity = available
		}
		out[i] = line
	}
	return out, issues, nil
}

// lineAvailability returns the purchasable quantity, or a reason when the
// line cannot be bought at all.
func lineAvailability(ctx context.Context, resolver ProductResolver, oracle inventory.Oracle, timeout time.Duration, line domain.CartLine) (int, string, error) {
	p, ok := resolver.Product(line.ProductID)
	if !ok || !p.IsActive {
		return 0, domain.ReasonInactive, nil
	}
	if line.VariantID != "" {
		if _, ok := p.Variant(line.VariantID); !ok {
			return 0, domain.ReasonVariantRemoved, nil
		}
	} else if p.HasVariants() {
		// product gained variants after the line was added
		return 0, domain.ReasonVariantRemoved, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv, err := oracle.CheckStock(checkCtx, line.ProductID, line.VariantID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return 0, domain.ReasonOutOfStock, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return 0, "", &domain.TimeoutError{Op: "inventory.CheckStock", Err: err}
	case err != nil:
		return 0, "", fmt.Errorf("check stock %s: %w", line.ProductID, err)
	}
	if inv.QuantityAvailable <= 0 {
		return 0, domain.ReasonOutOfStock, nil
	}
	return inv.QuantityAvailable, "", nil
}
