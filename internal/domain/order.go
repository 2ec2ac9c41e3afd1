package domain

import "time"

type OrderStatus string

const (
	OrderStatusPlaced OrderStatus = "PLACED"
	OrderStatusFailed OrderStatus = "FAILED"
)

type OrderLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
	Subtotal  Money  `json:"subtotal"`
}

type OrderTotals struct {
	Subtotal   Money `json:"subtotal"`
	Shipping   Money `json:"shipping"`
	Tax        Money `json:"tax"`
	GrandTotal Money `json:"grand_total"`
}

type Order struct {
	ID              string         `json:"id"`
	CheckoutID      string         `json:"checkout_id"`
	CartID          string         `json:"cart_id"`
	Lines           []OrderLine    `json:"lines"`
	ShippingAddress Address        `json:"shipping_address"`
	ShippingMethod  ShippingOption `json:"shipping_method"`
	Totals          OrderTotals    `json:"totals"`
	ReservationID   string         `json:"reservation_id"`
	PaymentReceipt  string         `json:"payment_receipt"`
	PlacedAt        time.Time      `json:"placed_at"`
	Status          OrderStatus    `json:"status"`
}
