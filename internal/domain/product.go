package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Inventory is a read-only stock snapshot. The inventory oracle owns the truth.
type Inventory struct {
	QuantityAvailable int `json:"quantity_available" bson:"quantity_available"`
	LowStockThreshold int `json:"low_stock_threshold" bson:"low_stock_threshold"`
}

func (i Inventory) InStock() bool {
	return i.QuantityAvailable > 0
}

// IsLow reports stock that is still purchasable but at or under the threshold.
func (i Inventory) IsLow() bool {
	return i.InStock() && i.QuantityAvailable <= i.LowStockThreshold
}

type Variant struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
	PriceDelta Money             `json:"price_delta"`
	Stock      Inventory         `json:"stock"`
}

type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	BasePrice    Money     `json:"base_price"`
	ComparePrice *Money    `json:"compare_price,omitempty"`
	Images       []string  `json:"images"`
	Categories   []string  `json:"categories"`
	Tags         []string  `json:"tags"`
	Variants     []Variant `json:"variants"`
	IsActive     bool      `json:"is_active"`
	Rating       float64   `json:"rating"`
	CreatedAt    time.Time `json:"created_at"`
	// Stock applies when the product has no variants.
	Stock Inventory `json:"stock"`
}

// Clone returns a copy that shares no slices or maps with p.
func (p Product) Clone() Product {
	out := p
	if p.ComparePrice != nil {
		cp := *p.ComparePrice
		out.ComparePrice = &cp
	}
	out.Images = append([]string(nil), p.Images...)
	out.Categories = append([]string(nil), p.Categories...)
	out.Tags = append([]string(nil), p.Tags...)
	if p.Variants != nil {
		out.Variants = make([]Variant, len(p.Variants))
		for i, v := range p.Variants {
			attrs := make(map[string]string, len(v.Attributes))
			for k, val := range v.Attributes {
				attrs[k] = val
			}
			v.Attributes = attrs
			out.Variants[i] = v
		}
	}
	return out
}

// Discount returns the compare price only when it is a real discount.
func (p *Product) Discount() (Money, bool) {
	if p.ComparePrice == nil || *p.ComparePrice <= p.BasePrice {
		return 0, false
	}
	return *p.ComparePrice, true
}

func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

func (p *Product) Variant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// UnitPrice resolves the purchasable price of the product or one of its variants.
func (p *Product) UnitPrice(variantID string) (Money, error) {
	if !p.HasVariants() {
		if variantID != "" {
			return 0, fmt.Errorf("product %s has no variant %q: %w", p.ID, variantID, ErrVariantNotFound)
		}
		return p.BasePrice, nil
	}
	if variantID == "" {
		return 0, fmt.Errorf("product %s: %w", p.ID, ErrVariantRequired)
	}
	v, ok := p.Variant(variantID)
	if !ok {
		return 0, fmt.Errorf("product %s has no variant %q: %w", p.ID, variantID, ErrVariantNotFound)
	}
	price := p.BasePrice + v.PriceDelta
	if price < 0 {
		price = 0
	}
	return price, nil
}

// InStock is true when any purchasable unit has stock.
func (p *Product) InStock() bool {
	if !p.HasVariants() {
		return p.Stock.InStock()
	}
	for _, v := range p.Variants {
		if v.Stock.InStock() {
			return true
		}
	}
	return false
}

func (p *Product) LowStock() bool {
	if !p.HasVariants() {
		return p.Stock.IsLow()
	}
	low := false
	for _, v := range p.Variants {
		if v.Stock.InStock() && !v.Stock.IsLow() {
			return false
		}
		low = low || v.Stock.IsLow()
	}
	return low
}

// Validate checks the structural product invariants.
func (p *Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidProduct)
	}
	if p.BasePrice < 0 {
		return fmt.Errorf("%w: product %s has negative base price", ErrInvalidProduct, p.ID)
	}
	if p.ComparePrice != nil && *p.ComparePrice < 0 {
		return fmt.Errorf("%w: product %s has negative compare price", ErrInvalidProduct, p.ID)
	}
	if p.Stock.QuantityAvailable < 0 || p.Stock.LowStockThreshold < 0 {
		return fmt.Errorf("%w: product %s has negative stock", ErrInvalidProduct, p.ID)
	}
	var names string
	seenIDs := make(map[string]struct{}, len(p.Variants))
	seenAttrs := make(map[string]struct{}, len(p.Variants))
	for i, v := range p.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: product %s variant %d has no id", ErrInvalidProduct, p.ID, i)
		}
		if _, dup := seenIDs[v.ID]; dup {
			return fmt.Errorf("%w: product %s has duplicate variant id %s", ErrInvalidProduct, p.ID, v.ID)
		}
		seenIDs[v.ID] = struct{}{}
		if v.Stock.QuantityAvailable < 0 || v.Stock.LowStockThreshold < 0 {
			return fmt.Errorf("%w: variant %s has negative stock", ErrInvalidProduct, v.ID)
		}
		n := attributeNames(v.Attributes)
		if i == 0 {
			names = n
		} else if n != names {
			return fmt.Errorf("%w: variant %s attribute names %q differ from %q", ErrInvalidProduct, v.ID, n, names)
		}
		key := attributeKey(v.Attributes)
		if _, dup := seenAttrs[key]; dup {
			return fmt.Errorf("%w: product %s has two variants with attributes %s", ErrInvalidProduct, p.ID, key)
		}
		seenAttrs[key] = struct{}{}
	}
	return nil
}

func attributeNames(attrs map[string]string) string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func attributeKey(attrs map[string]string) string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
		b.WriteByte(';')
	}
	return b.String()
}
