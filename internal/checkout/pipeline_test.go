package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cart"
	"github.com/fjod/go_cart/storefront/internal/catalog"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/payment"
	"github.com/fjod/go_cart/storefront/internal/shipping"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var card = &payment.Details{CardNumber: "4242424242424242", Expiry: "12/30", CVC: "123", Holder: "Ann"}

// countingPayment counts captures and fails the first failCaptures of them.
type countingPayment struct {
	PaymentCollaborator
	captures     atomic.Int32
	refunds      atomic.Int32
	failCaptures int32
}

func (c *countingPayment) Capture(ctx context.Context, token domain.PaymentToken, amount domain.Money, key string) (*payment.Receipt, error) {
	if n := c.captures.Add(1); n <= c.failCaptures {
		return nil, errors.New("gateway unavailable")
	}
	return c.PaymentCollaborator.Capture(ctx, token, amount, key)
}

func (c *countingPayment) Refund(ctx context.Context, receiptID string) error {
	c.refunds.Add(1)
	return c.PaymentCollaborator.Refund(ctx, receiptID)
}

type fixture struct {
	index    *catalog.Index
	stock    *inventory.MemoryStore
	cart     *cart.Store
	payments *countingPayment
	orders   *order.MemoryRepository
}

func setupFixture(t *testing.T, status payment.StatusSource) *fixture {
	f := &fixture{
		index:    catalog.NewIndex(),
		stock:    inventory.NewMemoryStore(),
		payments: &countingPayment{PaymentCollaborator: payment.NewSimulator(status, nil)},
		orders:   order.NewMemoryRepository(),
	}
	t.Cleanup(func() { f.stock.Close() })

	for _, p := range []domain.Product{
		{ID: "A", Name: "Alpha", BasePrice: 1000, IsActive: true, Stock: domain.Inventory{QuantityAvailable: 5}},
		{ID: "B", Name: "Bravo", BasePrice: 250, IsActive: true, Stock: domain.Inventory{QuantityAvailable: 50}},
	} {
		require.NoError(t, f.index.Upsert(p))
		require.NoError(t, f.stock.Seed([]domain.Product{p}))
	}

	f.cart = cart.NewStore("cart-1", f.index, f.stock)
	t.Cleanup(func() { f.cart.Close(context.Background()) })
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TaxRate = decimal.RequireFromString("0.08")
	cfg.RetryInitialWait = time.Millisecond
	return cfg
}

func (f *fixture) pipeline(t *testing.T, modify ...func(*Deps, *Config)) *Pipeline {
	deps := Deps{
		Cart:      f.cart,
		Inventory: f.stock,
		Payment:   f.payments,
		Shipping:  shipping.NewFlatRate("US"),
		Orders:    f.orders,
	}
	cfg := testConfig()
	for _, m := range modify {
		m(&deps, &cfg)
	}
	return New(deps, cfg, nil, nil)
}

func (f *fixture) available(t *testing.T, productID string) int {
	inv, err := f.stock.CheckStock(context.Background(), productID, "")
	require.NoError(t, err)
	return inv.QuantityAvailable
}

func advanceToConfirming(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx := context.Background()
	_, err := p.Review(ctx)
	require.NoError(t, err)
	_, err = p.SubmitAddress(ctx, testAddress)
	require.NoError(t, err)
	_, err = p.SelectMethod(ctx, "standard")
	require.NoError(t, err)
	s, err := p.SubmitPayment(ctx, card)
	require.NoError(t, err)
	require.Equal(t, domain.StepConfirming, s.Step)
}

func TestPipeline_PlacesOrder(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	_, err := f.cart.AddItem(ctx, "A", "", 2)
	require.NoError(t, err)

	p := f.pipeline(t)
	advanceToConfirming(t, p)

	s, o, err := p.Confirm(ctx)
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, o.ID, s.OrderID)
	assert.Equal(t, domain.OrderTotals{Subtotal: 2000, Shipping: 599, Tax: 160, GrandTotal: 2759}, o.Totals)
	assert.Equal(t, []domain.OrderLine{{ProductID: "A", Quantity: 2, UnitPrice: 1000, Subtotal: 2000}}, o.Lines)
	assert.Equal(t, domain.OrderStatusPlaced, o.Status)

	stored, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.CheckoutID)

	r, ok := f.stock.Reservation(o.ReservationID)
	require.True(t, ok)
	assert.Equal(t, inventory.StatusConfirmed, r.Status)
	assert.Equal(t, 3, f.available(t, "A"))

	assert.Empty(t, f.cart.Snapshot().Lines)
	events, _ := f.orders.GetUnprocessedEvents(ctx, 10)
	assert.Len(t, events, 1)
}

func TestPipeline_InsufficientStockAtCommit(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	require.NoError(t, f.stock.SetStock("A", "", 2, 0))
	_, err := f.cart.AddItem(ctx, "A", "", 2)
	require.NoError(t, err)

	p := f.pipeline(t)
	advanceToConfirming(t, p)

	// another shopper commits first
	_, err = f.stock.CommitReservation(ctx, "rival", []inventory.ReservationLine{{ProductID: "A", Quantity: 1}})
	require.NoError(t, err)

	s, o, err := p.Confirm(ctx)
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Len(t, short.Lines, 1)
	assert.Equal(t, 2, short.Lines[0].Requested)
	assert.Equal(t, 1, short.Lines[0].Available)

	assert.Nil(t, o)
	assert.Equal(t, domain.StepFailed, s.Step)
	assert.Equal(t, domain.FailureInsufficientStock, s.Failure)
	require.NotEmpty(t, s.Errors)
	assert.Equal(t, domain.ClassConsistency, s.Errors[len(s.Errors)-1].Class)

	assert.Zero(t, f.payments.captures.Load(), "payment must not be captured")
	orders, _ := f.orders.ListOrdersByCart(ctx, "cart-1")
	assert.Empty(t, orders)

	lines := f.cart.Snapshot().Lines
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, 1, f.available(t, "A"))
}

func TestPipeline_ReviewSurfacesChangedLines(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	_, err := f.cart.AddItem(ctx, "A", "", 3)
	require.NoError(t, err)
	require.NoError(t, f.stock.SetStock("A", "", 2, 0))

	p := f.pipeline(t)
	s, err := p.Review(ctx)

	var changed *domain.CartChangedError
	require.ErrorAs(t, err, &changed)
	require.Len(t, changed.Issues, 1)
	assert.Equal(t, domain.LineQuantityReduced, changed.Issues[0].Status)
	assert.Equal(t, domain.StepReview, s.Step)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, domain.StepReview, s.Errors[0].Step)

	// the live cart now shows the clamp; reviewing again goes through
	s, err = p.Review(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepShippingInfo, s.Step)
	assert.Equal(t, 2, s.Snapshot.Lines[0].Quantity)
}

func TestPipeline_EmptyCart(t *testing.T) {
	f := setupFixture(t, nil)
	p := f.pipeline(t)

	s, err := p.Review(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Equal(t, domain.StepReview, s.Step)
}

func TestPipeline_SnapshotIsolatedFromLiveCart(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	_, err := f.cart.AddItem(ctx, "A", "", 1)
	require.NoError(t, err)

	p := f.pipeline(t)
	advanceToConfirming(t, p)
	_, err = f.cart.AddItem(ctx, "B", "", 4)
	require.NoError(t, err)

	_, o, err := p.Confirm(ctx)
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, "A", o.Lines[0].ProductID)
}

func TestPipeline_InvalidAddressStays(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)
	p := f.pipeline(t)
	_, err := p.Review(ctx)
	require.NoError(t, err)

	s, err := p.SubmitAddress(ctx, domain.Address{Name: "Ann", Country: "US"})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	assert.Equal(t, domain.StepShippingInfo, s.Step)
	assert.Equal(t, domain.ClassInput, s.Errors[0].Class)
}

type normalizingValidator struct{}

func (normalizingValidator) Validate(_ context.Context, addr domain.Address) (domain.Address, error) {
	if addr.PostalCode == "00000" {
		return domain.Address{}, errors.New("undeliverable")
	}
	addr.Country = "US"
	return addr, nil
}

func TestPipeline_AddressValidator(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)
	p := f.pipeline(t, func(d *Deps, _ *Config) { d.Validator = normalizingValidator{} })
	_, err := p.Review(ctx)
	require.NoError(t, err)

	bad := testAddress
	bad.PostalCode = "00000"
	_, err = p.SubmitAddress(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	lower := testAddress
	lower.Country = "us"
	s, err := p.SubmitAddress(ctx, lower)
	require.NoError(t, err)
	assert.Equal(t, "US", s.Address.Country)
}

// sequenceQuoter returns quotes[i] on the i-th call, repeating the last.
type sequenceQuoter struct {
	mu     sync.Mutex
	quotes [][]domain.ShippingOption
	calls  int
}

func (q *sequenceQuoter) Quote(context.Context, domain.Address, domain.Cart) ([]domain.ShippingOption, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	if i >= len(q.quotes) {
		i = len(q.quotes) - 1
	}
	q.calls++
	return q.quotes[i], nil
}

func TestPipeline_QuoteChangedBeforeSelection(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)

	repriced := []domain.ShippingOption{{ID: "standard", Label: "Standard", Cost: 899, EstimateDays: 5}}
	quoter := &sequenceQuoter{quotes: [][]domain.ShippingOption{testOptions, repriced}}
	p := f.pipeline(t, func(d *Deps, _ *Config) { d.Shipping = quoter })

	_, err := p.Review(ctx)
	require.NoError(t, err)
	_, err = p.SubmitAddress(ctx, testAddress)
	require.NoError(t, err)

	s, err := p.SelectMethod(ctx, "standard")
	assert.ErrorIs(t, err, domain.ErrQuoteChanged)
	assert.Equal(t, domain.StepShippingMethod, s.Step)
	assert.Equal(t, repriced, s.ShippingOptions)
	assert.Equal(t, 2, s.OptionsVersion)

	s, err = p.SelectMethod(ctx, "standard")
	require.NoError(t, err)
	assert.Equal(t, domain.StepPayment, s.Step)
	assert.Equal(t, domain.Money(899), s.SelectedMethod.Cost)
}

func TestPipeline_PaymentDeclinedReleasesReservation(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Refusal: payment.RefusalInsufficientFunds})
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 2)

	p := f.pipeline(t)
	advanceToConfirming(t, p)

	s, o, err := p.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Nil(t, o)
	assert.Equal(t, domain.StepFailed, s.Step)
	assert.Equal(t, domain.FailurePaymentDeclined, s.Failure)
	assert.Equal(t, int32(1), f.payments.captures.Load(), "declines are not retried")
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Len(t, f.cart.Snapshot().Lines, 1)
}

func TestPipeline_TransientCaptureFailureIsRetryable(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	f.payments.failCaptures = 3
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 2)

	p := f.pipeline(t)
	advanceToConfirming(t, p)

	s, o, err := p.Confirm(ctx)
	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, domain.StepConfirming, timeout.Step)
	assert.True(t, domain.Retryable(err))
	assert.Nil(t, o)
	assert.Equal(t, domain.StepConfirming, s.Step)
	assert.Equal(t, 5, f.available(t, "A"), "reservation released while payment is unresolved")

	s, o, err = p.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, 3, f.available(t, "A"))
	assert.NotEmpty(t, o.PaymentReceipt)
}

// lostResponsePayment charges through the wrapped collaborator, then loses
// the response of the first lose captures. Void fails while voidDown is set.
type lostResponsePayment struct {
	PaymentCollaborator
	mu       sync.Mutex
	lose     int
	voidDown bool
	charged  map[string]string // idempotency key -> receipt id
	voided   []string
}

func (l *lostResponsePayment) Capture(ctx context.Context, token domain.PaymentToken, amount domain.Money, key string) (*payment.Receipt, error) {
	r, err := l.PaymentCollaborator.Capture(ctx, token, amount, key)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.charged[key] = r.ID
	if l.lose > 0 {
		l.lose--
		return nil, context.DeadlineExceeded
	}
	return r, nil
}

func (l *lostResponsePayment) Void(ctx context.Context, key string) error {
	l.mu.Lock()
	down := l.voidDown
	l.mu.Unlock()
	if down {
		return errors.New("gateway unavailable")
	}
	if err := l.PaymentCollaborator.Void(ctx, key); err != nil {
		return err
	}
	l.mu.Lock()
	l.voided = append(l.voided, key)
	l.mu.Unlock()
	return nil
}

func (l *lostResponsePayment) set(lose int, voidDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lose, l.voidDown = lose, voidDown
}

func setupLostResponses(t *testing.T, voidDown bool) (*fixture, *lostResponsePayment, *Pipeline) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	_, err := f.cart.AddItem(context.Background(), "A", "", 2)
	require.NoError(t, err)

	lost := &lostResponsePayment{
		PaymentCollaborator: f.payments,
		lose:                testConfig().RetryMaxAttempts,
		voidDown:            voidDown,
		charged:             make(map[string]string),
	}
	p := f.pipeline(t, func(d *Deps, _ *Config) { d.Payment = lost })
	advanceToConfirming(t, p)
	return f, lost, p
}

func TestPipeline_LostCaptureIsVoidedBeforeRelease(t *testing.T) {
	f, lost, p := setupLostResponses(t, false)
	ctx := context.Background()

	s, o, err := p.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, domain.Retryable(err))
	assert.Nil(t, o)
	assert.Equal(t, domain.StepConfirming, s.Step)
	require.Len(t, lost.charged, 1)
	assert.Equal(t, []string{s.ID}, lost.voided, "the charge under the checkout's key is voided")
	assert.Equal(t, 5, f.available(t, "A"))

	s, o, err = p.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Len(t, lost.charged, 2, "the retry charges under a fresh key")
	assert.NotEqual(t, lost.charged[s.ID], o.PaymentReceipt)
	assert.Equal(t, 3, f.available(t, "A"))
}

func TestPipeline_UnresolvedCaptureHoldsReservation(t *testing.T) {
	f, lost, p := setupLostResponses(t, true)
	ctx := context.Background()

	s, _, err := p.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.StepConfirming, s.Step)
	assert.Empty(t, lost.voided)
	assert.Equal(t, 3, f.available(t, "A"), "stock stays held while payment may have been taken")

	s, o, err := p.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, s.Step)
	assert.Equal(t, lost.charged[s.ID], o.PaymentReceipt, "the earlier charge is adopted")
	assert.Len(t, lost.charged, 1)
	assert.Equal(t, 3, f.available(t, "A"))
}

func TestPipeline_CancelVoidsUnresolvedCapture(t *testing.T) {
	f, lost, p := setupLostResponses(t, true)
	ctx := context.Background()

	_, _, err := p.Confirm(ctx)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 3, f.available(t, "A"))

	lost.set(0, false)
	s, err := p.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, s.Step)
	assert.Equal(t, domain.FailureCancelled, s.Failure)
	assert.Equal(t, []string{s.ID}, lost.voided)
	assert.Equal(t, 5, f.available(t, "A"))
}

func TestPipeline_BackWaitsForUnresolvedCapture(t *testing.T) {
	f, lost, p := setupLostResponses(t, true)
	ctx := context.Background()

	_, _, err := p.Confirm(ctx)
	require.ErrorIs(t, err, domain.ErrTimeout)

	s, err := p.Back(ctx, domain.StepReview)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.StepConfirming, s.Step)
	assert.Equal(t, 3, f.available(t, "A"))

	lost.set(0, false)
	s, err = p.Back(ctx, domain.StepReview)
	require.NoError(t, err)
	assert.Equal(t, domain.StepReview, s.Step)
	assert.Equal(t, []string{s.ID}, lost.voided)
	assert.Equal(t, 5, f.available(t, "A"))
}

// cancellingOracle cancels the caller's context right after a commit succeeds.
type cancellingOracle struct {
	inventory.Oracle
	cancel context.CancelFunc
}

func (c cancellingOracle) CommitReservation(ctx context.Context, checkoutID string, lines []inventory.ReservationLine) (*inventory.Reservation, error) {
	r, err := c.Oracle.CommitReservation(ctx, checkoutID, lines)
	c.cancel()
	return r, err
}

func TestPipeline_CancelAfterCommitReleasesReservation(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	_, _ = f.cart.AddItem(context.Background(), "A", "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := f.pipeline(t, func(d *Deps, _ *Config) {
		d.Inventory = cancellingOracle{Oracle: f.stock, cancel: cancel}
	})
	advanceToConfirming(t, p)

	s, o, err := p.Confirm(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, o)
	assert.Equal(t, domain.StepConfirming, s.Step)
	assert.Zero(t, f.payments.captures.Load())
	assert.Equal(t, 5, f.available(t, "A"))
}

type failingOrders struct {
	order.Repository
}

func (failingOrders) CreateOrder(context.Context, *domain.Order) error {
	return errors.New("orders table missing")
}

func TestPipeline_OrderFailureIsCompensated(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 2)

	p := f.pipeline(t, func(d *Deps, _ *Config) { d.Orders = failingOrders{Repository: f.orders} })
	advanceToConfirming(t, p)

	s, o, err := p.Confirm(ctx)
	require.Error(t, err)
	assert.Nil(t, o)
	assert.Equal(t, domain.StepFailed, s.Step)
	assert.Equal(t, domain.FailureFatal, s.Failure)
	assert.Equal(t, int32(1), f.payments.refunds.Load())
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Len(t, f.cart.Snapshot().Lines, 1)
}

// blockingQuoter blocks until released or the call's context ends.
type blockingQuoter struct {
	entered chan struct{}
	release chan struct{}
}

func (q *blockingQuoter) Quote(ctx context.Context, _ domain.Address, _ domain.Cart) ([]domain.ShippingOption, error) {
	select {
	case q.entered <- struct{}{}:
	default:
	}
	select {
	case <-q.release:
		return testOptions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPipeline_CollaboratorTimeoutIsRetryable(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)

	quoter := &blockingQuoter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := f.pipeline(t, func(d *Deps, c *Config) {
		d.Shipping = quoter
		c.ShippingTimeout = 20 * time.Millisecond
	})
	_, err := p.Review(ctx)
	require.NoError(t, err)

	s, err := p.SubmitAddress(ctx, testAddress)
	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, domain.StepShippingInfo, timeout.Step)
	assert.Equal(t, "shipping.Quote", timeout.Op)
	assert.Equal(t, domain.StepShippingInfo, s.Step)
	assert.Nil(t, s.Address)
	assert.Equal(t, domain.ClassTransient, s.Errors[len(s.Errors)-1].Class)

	close(quoter.release)
	s, err = p.SubmitAddress(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, domain.StepShippingMethod, s.Step)
}

func TestPipeline_StepsDoNotOverlap(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)

	quoter := &blockingQuoter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := f.pipeline(t, func(d *Deps, _ *Config) { d.Shipping = quoter })
	_, err := p.Review(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.SubmitAddress(ctx, testAddress)
		done <- err
	}()
	<-quoter.entered

	_, err = p.Cancel(ctx)
	assert.ErrorIs(t, err, domain.ErrStepInProgress)
	_, _, err = p.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrStepInProgress)

	close(quoter.release)
	require.NoError(t, <-done)
	assert.Equal(t, domain.StepShippingMethod, p.Session().Step)
}

func TestPipeline_TokenReuseAndInvalidation(t *testing.T) {
	f := setupFixture(t, payment.FixedStatus{Approved: true})
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)
	p := f.pipeline(t)
	advanceToConfirming(t, p)

	// going back without changing anything keeps the token
	_, err := p.Back(ctx, domain.StepShippingInfo)
	require.NoError(t, err)
	_, err = p.SubmitAddress(ctx, testAddress)
	require.NoError(t, err)
	_, err = p.SelectMethod(ctx, "standard")
	require.NoError(t, err)
	s, err := p.SubmitPayment(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StepConfirming, s.Step)

	// a different method invalidates it
	_, err = p.Back(ctx, domain.StepShippingMethod)
	require.NoError(t, err)
	s, err = p.SelectMethod(ctx, "express")
	require.NoError(t, err)
	assert.False(t, s.HasToken())

	_, err = p.SubmitPayment(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrPaymentRequired)
	_, err = p.SubmitPayment(ctx, card)
	require.NoError(t, err)

	_, o, err := p.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, "express", o.ShippingMethod.ID)
}

func TestPipeline_CancelIsTerminal(t *testing.T) {
	f := setupFixture(t, nil)
	ctx := context.Background()
	_, _ = f.cart.AddItem(ctx, "A", "", 1)
	p := f.pipeline(t)

	s, err := p.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, s.Step)
	assert.Equal(t, domain.FailureCancelled, s.Failure)

	_, err = p.Review(ctx)
	assert.ErrorIs(t, err, domain.ErrIllegalStep)
}
