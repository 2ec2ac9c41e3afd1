package checkout

import (
	"testing"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAddress = domain.Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	testOptions = []domain.ShippingOption{
		{ID: "standard", Label: "Standard", Cost: 599, EstimateDays: 5},
		{ID: "express", Label: "Express", Cost: 1499, EstimateDays: 2},
	}
)

func testSnapshot() domain.Cart {
	return domain.Cart{ID: "cart-1", Version: 3, Lines: []domain.CartLine{
		{ProductID: "A", Quantity: 2, UnitPriceAtAdd: 1000, Status: domain.LineOK},
	}}
}

// walk drives a fresh session to the given step through legal transitions.
func walk(t *testing.T, to domain.CheckoutStep) Session {
	t.Helper()
	s := NewSession("co-1", domain.Cart{ID: "cart-1"})
	events := []Event{
		Reviewed{Snapshot: testSnapshot()},
		AddressEntered{Address: testAddress, Options: testOptions},
		MethodSelected{MethodID: "standard", Requoted: testOptions},
		PaymentTokenized{Token: "tok_1"},
	}
	for _, ev := range events {
		if s.Step == to {
			break
		}
		var err error
		s, err = Transition(s, ev)
		require.NoError(t, err)
	}
	require.Equal(t, to, s.Step)
	return s
}

func TestTransition_ForwardPath(t *testing.T) {
	s := walk(t, domain.StepConfirming)

	assert.Equal(t, "standard", s.SelectedMethod.ID)
	assert.True(t, s.HasToken())
	assert.Equal(t, domain.Money(2000), s.Subtotal())
	assert.Equal(t, domain.Money(599), s.ShippingCost())

	done, err := Transition(s, OrderPlaced{OrderID: "o-1", ReservationID: "r-1", PaymentReceipt: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, done.Step)
	assert.Equal(t, "o-1", done.OrderID)
	assert.Empty(t, done.PaymentToken)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	s := walk(t, domain.StepShippingInfo)

	next, err := Transition(s, AddressEntered{Address: testAddress, Options: testOptions})
	require.NoError(t, err)
	next.Snapshot.Lines[0].Quantity = 99

	assert.Equal(t, domain.StepShippingInfo, s.Step)
	assert.Nil(t, s.Address)
	assert.Equal(t, 2, s.Snapshot.Lines[0].Quantity)
}

func TestTransition_RejectsOutOfOrderEvents(t *testing.T) {
	s := walk(t, domain.StepReview)

	for _, ev := range []Event{
		AddressEntered{Address: testAddress, Options: testOptions},
		MethodSelected{MethodID: "standard", Requoted: testOptions},
		PaymentTokenized{Token: "tok"},
		OrderPlaced{OrderID: "o"},
		Reentered{Step: domain.StepPayment},
	} {
		next, err := Transition(s, ev)
		assert.ErrorIs(t, err, domain.ErrIllegalStep, "%T", ev)
		assert.Equal(t, domain.StepReview, next.Step)
	}
}

func TestTransition_ReviewWithIssuesStays(t *testing.T) {
	s := walk(t, domain.StepReview)
	issues := []domain.LineIssue{{Key: domain.LineKey{ProductID: "A"}, Status: domain.LineQuantityReduced, Requested: 3, Available: 2}}

	next, err := Transition(s, Reviewed{Snapshot: testSnapshot(), Issues: issues})
	var changed *domain.CartChangedError
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, issues, changed.Issues)
	assert.Equal(t, domain.StepReview, next.Step)
	assert.Equal(t, domain.ClassConsistency, domain.Classify(err))

	_, err = Transition(s, Reviewed{Snapshot: domain.Cart{ID: "cart-1"}})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestTransition_AddressRequiresFields(t *testing.T) {
	s := walk(t, domain.StepShippingInfo)

	next, err := Transition(s, AddressEntered{Address: domain.Address{Name: "Ann"}, Options: testOptions})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	assert.Contains(t, err.Error(), "line1")
	assert.Equal(t, domain.StepShippingInfo, next.Step)
}

func TestTransition_QuoteChangeStoresNewOptions(t *testing.T) {
	s := walk(t, domain.StepShippingMethod)
	requoted := []domain.ShippingOption{
		{ID: "standard", Label: "Standard", Cost: 799, EstimateDays: 5},
		{ID: "express", Label: "Express", Cost: 1499, EstimateDays: 2},
	}

	next, err := Transition(s, MethodSelected{MethodID: "standard", Requoted: requoted})
	assert.ErrorIs(t, err, domain.ErrQuoteChanged)
	assert.Equal(t, domain.StepShippingMethod, next.Step)
	assert.Equal(t, requoted, next.ShippingOptions)
	assert.Equal(t, s.OptionsVersion+1, next.OptionsVersion)
	assert.Nil(t, next.SelectedMethod)

	next, err = Transition(next, MethodSelected{MethodID: "standard", Requoted: requoted})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(799), next.SelectedMethod.Cost)
}

func TestTransition_UnknownMethod(t *testing.T) {
	s := walk(t, domain.StepShippingMethod)

	_, err := Transition(s, MethodSelected{MethodID: "teleport", Requoted: testOptions})
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)
}

func TestTransition_FailedFromAnyNonTerminalStep(t *testing.T) {
	for _, step := range []domain.CheckoutStep{
		domain.StepReview, domain.StepShippingInfo, domain.StepShippingMethod,
		domain.StepPayment, domain.StepConfirming,
	} {
		s := walk(t, step)
		next, err := Transition(s, Failed{Reason: domain.FailureCancelled})
		require.NoError(t, err, step)
		assert.Equal(t, domain.StepFailed, next.Step)
		assert.Equal(t, domain.FailureCancelled, next.Failure)

		_, err = Transition(next, Reentered{Step: domain.StepReview})
		assert.ErrorIs(t, err, domain.ErrIllegalStep, "failed is terminal")
	}
}

func TestTransition_ReentryKeepsTokenWhileOrderIsUnchanged(t *testing.T) {
	s := walk(t, domain.StepConfirming)

	back, err := Transition(s, Reentered{Step: domain.StepShippingInfo})
	require.NoError(t, err)
	assert.True(t, back.HasToken())

	again, err := Transition(back, AddressEntered{Address: testAddress, Options: testOptions})
	require.NoError(t, err)
	assert.True(t, again.HasToken())
	assert.Equal(t, "standard", again.SelectedMethod.ID)
}

func TestTransition_ReentryInvalidatesTokenWhenOrderChanges(t *testing.T) {
	s := walk(t, domain.StepConfirming)

	back, err := Transition(s, Reentered{Step: domain.StepShippingInfo})
	require.NoError(t, err)

	moved := testAddress
	moved.City = "Shelbyville"
	next, err := Transition(back, AddressEntered{Address: moved, Options: testOptions})
	require.NoError(t, err)
	assert.False(t, next.HasToken())
	assert.Empty(t, next.PaymentToken)

	back, err = Transition(s, Reentered{Step: domain.StepReview})
	require.NoError(t, err)
	bigger := testSnapshot()
	bigger.Lines[0].Quantity = 3
	next, err = Transition(back, Reviewed{Snapshot: bigger})
	require.NoError(t, err)
	assert.Empty(t, next.PaymentToken, "cart contents changed after the token was captured")
}

func TestTransition_RepricedOptionDropsSelection(t *testing.T) {
	s := walk(t, domain.StepPayment)
	back, err := Transition(s, Reentered{Step: domain.StepShippingInfo})
	require.NoError(t, err)

	repriced := []domain.ShippingOption{
		{ID: "standard", Label: "Standard", Cost: 0, EstimateDays: 5},
	}
	next, err := Transition(back, AddressEntered{Address: testAddress, Options: repriced})
	require.NoError(t, err)
	assert.Nil(t, next.SelectedMethod)
}
