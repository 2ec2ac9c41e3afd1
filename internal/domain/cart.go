package domain

import "time"

type LineStatus string

const (
	LineOK              LineStatus = "ok"
	LineUnavailable     LineStatus = "unavailable"
	LineQuantityReduced LineStatus = "quantity_reduced"
)

// Reasons attached to unavailable lines.
const (
	ReasonInactive       = "inactive"
	ReasonVariantRemoved = "variant_removed"
	ReasonOutOfStock     = "out_of_stock"
)

// LineKey identifies a cart line. An empty VariantID means the product itself.
type LineKey struct {
	ProductID string `json:"product_id" bson:"product_id"`
	VariantID string `json:"variant_id,omitempty" bson:"variant_id,omitempty"`
}

type CartLine struct {
	ProductID         string     `json:"product_id" bson:"product_id"`
	VariantID         string     `json:"variant_id,omitempty" bson:"variant_id,omitempty"`
	Quantity          int        `json:"quantity" bson:"quantity"`
	UnitPriceAtAdd    Money      `json:"unit_price_at_add" bson:"unit_price_at_add"`
	AddedAt           time.Time  `json:"added_at" bson:"added_at"`
	Status            LineStatus `json:"status,omitempty" bson:"status,omitempty"`
	UnavailableReason string     `json:"unavailable_reason,omitempty" bson:"unavailable_reason,omitempty"`
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Available lines count towards totals.
func (l CartLine) Available() bool {
	return l.Status != LineUnavailable
}

func (l CartLine) Subtotal() Money {
	return l.UnitPriceAtAdd.Mul(l.Quantity)
}

type Cart struct {
	ID        string     `json:"id" bson:"_id"`
	Lines     []CartLine `json:"lines" bson:"lines"`
	Version   uint64     `json:"version" bson:"version"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy safe to hand to another owner.
func (c Cart) Clone() Cart {
	out := c
	if c.Lines != nil {
		out.Lines = make([]CartLine, len(c.Lines))
		copy(out.Lines, c.Lines)
	}
	return out
}

// Find returns the index of the line with the given key or -1.
func (c *Cart) Find(key LineKey) int {
	for i := range c.Lines {
		if c.Lines[i].Key() == key {
			return i
		}
	}
	return -1
}

type Totals struct {
	Subtotal       Money `json:"subtotal"`
	ItemCount      int   `json:"item_count"`
	AvailableLines int   `json:"available_lines"`
	ExcludedLines  int   `json:"excluded_lines"`
}

// ComputeTotals sums available lines at their captured unit price.
func (c Cart) ComputeTotals() Totals {
	var t Totals
	for _, l := range c.Lines {
		if !l.Available() {
			t.ExcludedLines++
			continue
		}
		t.Subtotal += l.Subtotal()
		t.ItemCount += l.Quantity
		t.AvailableLines++
	}
	return t
}
