package shipping

import (
	"context"
	"testing"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var home = domain.Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "us"}

func cartOf(qty int, price domain.Money) domain.Cart {
	return domain.Cart{ID: "c", Lines: []domain.CartLine{{ProductID: "a", Quantity: qty, UnitPriceAtAdd: price}}}
}

func TestFlatRate_Domestic(t *testing.T) {
	q := NewFlatRate("US")

	options, err := q.Quote(context.Background(), home, cartOf(2, 1000))
	require.NoError(t, err)
	require.Len(t, options, 3)

	assert.Equal(t, "standard", options[0].ID)
	assert.Equal(t, domain.Money(599), options[0].Cost)
	assert.Equal(t, 5, options[0].EstimateDays)
	assert.Equal(t, domain.Money(2799), options[2].Cost)
}

func TestFlatRate_FreeStandardOverThreshold(t *testing.T) {
	q := NewFlatRate("US")

	options, err := q.Quote(context.Background(), home, cartOf(1, 10000))
	require.NoError(t, err)
	assert.Equal(t, domain.Money(0), options[0].Cost)
}

func TestFlatRate_InternationalDropsOvernight(t *testing.T) {
	q := NewFlatRate("US")
	abroad := home
	abroad.Country = "DE"

	options, err := q.Quote(context.Background(), abroad, cartOf(1, 100))
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.Equal(t, 10, options[0].EstimateDays)
}

func TestFlatRate_InvalidAddress(t *testing.T) {
	q := NewFlatRate("US")

	_, err := q.Quote(context.Background(), domain.Address{Name: "Ann"}, cartOf(1, 100))
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}
