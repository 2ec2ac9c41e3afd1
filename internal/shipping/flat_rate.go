package shipping

import (
	"context"
	"strings"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// Rate is one flat-rate shipping method.
type Rate struct {
	ID           string
	Label        string
	Base         domain.Money
	PerItem      domain.Money
	EstimateDays int
	DomesticOnly bool
}

// FlatRate quotes every method in Rates for an address. Standard shipping
// becomes free once the available subtotal reaches FreeOver.
type FlatRate struct {
	Home     string
	FreeOver domain.Money
	Rates    []Rate
}

// NewFlatRate uses the default rate card. Overnight ships only within home.
func NewFlatRate(home string) *FlatRate {
	return &FlatRate{
		Home:     strings.ToUpper(home),
		FreeOver: 10000,
		Rates: []Rate{
			{ID: "standard", Label: "Standard", Base: 499, PerItem: 50, EstimateDays: 5},
			{ID: "express", Label: "Express", Base: 1299, PerItem: 100, EstimateDays: 2},
			{ID: "overnight", Label: "Overnight", Base: 2499, PerItem: 150, EstimateDays: 1, DomesticOnly: true},
		},
	}
}

func (q *FlatRate) Quote(ctx context.Context, addr domain.Address, snapshot domain.Cart) ([]domain.ShippingOption, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if missing := addr.MissingFields(); len(missing) > 0 {
		return nil, domain.ErrInvalidAddress
	}

	totals := snapshot.ComputeTotals()
	domestic := strings.EqualFold(addr.Country, q.Home)

	options := make([]domain.ShippingOption, 0, len(q.Rates))
	for _, r := range q.Rates {
		if r.DomesticOnly && !domestic {
			continue
		}
		cost := r.Base + r.PerItem.Mul(totals.ItemCount)
		if r.ID == "standard" && q.FreeOver > 0 && totals.Subtotal >= q.FreeOver {
			cost = 0
		}
		days := r.EstimateDays
		if !domestic {
			days += 5
		}
		options = append(options, domain.ShippingOption{
			ID:           r.ID,
			Label:        r.Label,
			Cost:         cost,
			EstimateDays: days,
		})
	}
	return options, nil
}
