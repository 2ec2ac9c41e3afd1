package inventory

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation has expired")
	ErrInvalidStatus       = errors.New("invalid reservation status for this operation")
)

// Oracle is the authority on stock. Catalog and cart only ever see snapshots.
type Oracle interface {
	// CheckStock returns the purchasable quantity of a product or variant.
	// Unknown units report domain.ErrNotFound.
	CheckStock(ctx context.Context, productID, variantID string) (domain.Inventory, error)

	// CommitReservation reserves every line or none of them. Calling it again
	// with the same checkoutID returns the live reservation instead of
	// reserving twice. A shortage is a *domain.InsufficientStockError.
	CommitReservation(ctx context.Context, checkoutID string, lines []ReservationLine) (*Reservation, error)

	// Release returns reserved stock to the pool.
	Release(ctx context.Context, reservationID string) error

	// Confirm permanently deducts reserved stock.
	Confirm(ctx context.Context, reservationID string) error
}
