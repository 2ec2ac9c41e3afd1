package inventory

import "time"

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusReleased  ReservationStatus = "released"
	StatusExpired   ReservationStatus = "expired"
)

// StockKey identifies a purchasable unit. An empty VariantID is the product itself.
type StockKey struct {
	ProductID string
	VariantID string
}

type ReservationLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (l ReservationLine) key() StockKey {
	return StockKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Reservation holds stock for one checkout until it is confirmed or released.
type Reservation struct {
	ID         string            `json:"id"`
	CheckoutID string            `json:"checkout_id"`
	Lines      []ReservationLine `json:"lines"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *Reservation) clone() *Reservation {
	out := *r
	out.Lines = append([]ReservationLine(nil), r.Lines...)
	return &out
}

type stockLevel struct {
	total     int
	reserved  int
	threshold int
}

func (s stockLevel) available() int {
	if a := s.total - s.reserved; a > 0 {
		return a
	}
	return 0
}
