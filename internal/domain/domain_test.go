package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduct_Discount(t *testing.T) {
	higher := Money(1500)
	equal := Money(1000)
	p := &Product{ID: "p1", BasePrice: 1000, ComparePrice: &higher}

	price, ok := p.Discount()
	assert.True(t, ok)
	assert.Equal(t, Money(1500), price)

	p.ComparePrice = &equal
	_, ok = p.Discount()
	assert.False(t, ok, "compare price equal to base is not a discount")
}

func TestProduct_UnitPrice(t *testing.T) {
	p := &Product{
		ID:        "shirt",
		BasePrice: 2000,
		Variants: []Variant{
			{ID: "s", Attributes: map[string]string{"size": "S"}, PriceDelta: 0},
			{ID: "xl", Attributes: map[string]string{"size": "XL"}, PriceDelta: 300},
		},
	}

	price, err := p.UnitPrice("xl")
	require.NoError(t, err)
	assert.Equal(t, Money(2300), price)

	_, err = p.UnitPrice("")
	assert.ErrorIs(t, err, ErrVariantRequired)

	_, err = p.UnitPrice("m")
	assert.ErrorIs(t, err, ErrVariantNotFound)

	plain := &Product{ID: "mug", BasePrice: 800}
	price, err = plain.UnitPrice("")
	require.NoError(t, err)
	assert.Equal(t, Money(800), price)
}

func TestProduct_Validate(t *testing.T) {
	valid := &Product{
		ID:        "shirt",
		BasePrice: 2000,
		Variants: []Variant{
			{ID: "s-red", Attributes: map[string]string{"size": "S", "color": "red"}},
			{ID: "s-blue", Attributes: map[string]string{"size": "S", "color": "blue"}},
		},
	}
	require.NoError(t, valid.Validate())

	mismatched := &Product{
		ID: "shirt",
		Variants: []Variant{
			{ID: "a", Attributes: map[string]string{"size": "S"}},
			{ID: "b", Attributes: map[string]string{"color": "red"}},
		},
	}
	assert.ErrorIs(t, mismatched.Validate(), ErrInvalidProduct)

	duplicate := &Product{
		ID: "shirt",
		Variants: []Variant{
			{ID: "a", Attributes: map[string]string{"size": "S"}},
			{ID: "b", Attributes: map[string]string{"size": "S"}},
		},
	}
	assert.ErrorIs(t, duplicate.Validate(), ErrInvalidProduct)

	negative := &Product{ID: "x", BasePrice: -1}
	assert.ErrorIs(t, negative.Validate(), ErrInvalidProduct)
}

func TestCart_ComputeTotalsExcludesUnavailable(t *testing.T) {
	c := Cart{Lines: []CartLine{
		{ProductID: "a", Quantity: 2, UnitPriceAtAdd: 1000},
		{ProductID: "b", Quantity: 1, UnitPriceAtAdd: 500, Status: LineUnavailable},
		{ProductID: "c", Quantity: 3, UnitPriceAtAdd: 100, Status: LineQuantityReduced},
	}}

	totals := c.ComputeTotals()
	assert.Equal(t, Money(2300), totals.Subtotal)
	assert.Equal(t, 5, totals.ItemCount)
	assert.Equal(t, 1, totals.ExcludedLines)
}

func TestCart_CloneIsDeep(t *testing.T) {
	c := Cart{ID: "c1", Lines: []CartLine{{ProductID: "a", Quantity: 1}}}
	clone := c.Clone()
	clone.Lines[0].Quantity = 9

	assert.Equal(t, 1, c.Lines[0].Quantity)
}

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, CanTransitionTo(StepReview, StepShippingInfo))
	assert.True(t, CanTransitionTo(StepConfirming, StepCompleted))
	assert.True(t, CanTransitionTo(StepPayment, StepFailed))
	assert.False(t, CanTransitionTo(StepReview, StepPayment))
	assert.False(t, CanTransitionTo(StepCompleted, StepFailed))
	assert.False(t, CanTransitionTo(StepFailed, StepReview))
	assert.True(t, StepShippingInfo.Before(StepPayment))
	assert.False(t, StepFailed.Before(StepPayment))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassInput, Classify(fmt.Errorf("add: %w", ErrInvalidQuantity)))
	assert.Equal(t, ClassConsistency, Classify(&CartChangedError{}))
	assert.Equal(t, ClassConsistency, Classify(&StaleSnapshotError{SnapshotVersion: 1, CurrentVersion: 2}))
	assert.Equal(t, ClassTransient, Classify(&TimeoutError{Step: StepPayment, Op: "tokenize", Err: errors.New("deadline")}))
	assert.Equal(t, ClassFatal, Classify(errors.New("contract violation")))
	assert.True(t, Retryable(fmt.Errorf("save: %w", ErrIOFailure)))
}

func TestAddress_MissingFields(t *testing.T) {
	a := Address{Name: "Ann", Line1: "1 Main St", City: " ", Country: "US"}
	assert.Equal(t, []string{"city", "postal_code"}, a.MissingFields())
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "12.05", Money(1205).String())
	assert.Equal(t, "-0.50", Money(-50).String())
}
