package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pipeline drives one checkout session. Steps run one at a time; a step
// called while another is running fails with domain.ErrStepInProgress.
type Pipeline struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	running atomic.Bool

	// Touched only while running is held. unsettled is the reservation of a
	// capture whose outcome is unknown; captureRound moves on once a charge
	// under the current key has been voided.
	unsettled    string
	captureRound int

	mu      sync.Mutex
	session Session
}

// New starts a checkout for the cart in deps. The session begins in Review
// with an empty snapshot; Review takes the first one.
func New(deps Deps, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	if deps.Breaker == nil {
		deps.Breaker = NewCaptureBreaker(logger)
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = 100 * time.Millisecond
	}
	id := uuid.NewString()
	return &Pipeline{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With(zap.String("checkout_id", id), zap.String("cart_id", deps.Cart.ID())),
		metrics: m,
		now:     time.Now,
		session: NewSession(id, domain.Cart{ID: deps.Cart.ID()}),
	}
}

// Session returns a copy of the current session.
func (p *Pipeline) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Clone()
}

// Review revalidates the live cart and freezes it as the snapshot. Flagged
// or clamped lines keep the session in Review with a *domain.CartChangedError.
func (p *Pipeline) Review(ctx context.Context) (Session, error) {
	return p.step(ctx, domain.StepReview, func(s Session) (Event, error) {
		snapshot, issues, err := p.deps.Cart.Revalidate(ctx)
		if err != nil {
			return nil, asTimeout(ctx, err, domain.StepReview, "cart.Revalidate")
		}
		return Reviewed{Snapshot: snapshot, Issues: issues}, nil
	})
}

// SubmitAddress validates the address and quotes shipping for it.
func (p *Pipeline) SubmitAddress(ctx context.Context, addr domain.Address) (Session, error) {
	return p.step(ctx, domain.StepShippingInfo, func(s Session) (Event, error) {
		if missing := addr.MissingFields(); len(missing) > 0 {
			return nil, fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), domain.ErrInvalidAddress)
		}

		if p.deps.Validator != nil {
			normalized, err := withTimeout(ctx, p.cfg.AddressTimeout, domain.StepShippingInfo, "address.Validate",
				func(ctx context.Context) (domain.Address, error) {
					return p.deps.Validator.Validate(ctx, addr)
				})
			if err != nil {
				if !errors.Is(err, domain.ErrTimeout) && !errors.Is(err, domain.ErrInvalidAddress) {
					err = fmt.Errorf("%w: %w", domain.ErrInvalidAddress, err)
				}
				return nil, err
			}
			addr = normalized
		}

		options, err := p.quote(ctx, addr, s.Snapshot, domain.StepShippingInfo)
		if err != nil {
			return nil, err
		}
		return AddressEntered{Address: addr, Options: options}, nil
	})
}

// SelectMethod re-quotes before accepting the method. A changed quote stores
// the new options and fails with domain.ErrQuoteChanged.
func (p *Pipeline) SelectMethod(ctx context.Context, methodID string) (Session, error) {
	return p.step(ctx, domain.StepShippingMethod, func(s Session) (Event, error) {
		if _, ok := findOption(s.ShippingOptions, methodID); !ok {
			return nil, fmt.Errorf("method %q: %w", methodID, domain.ErrUnknownMethod)
		}
		options, err := p.quote(ctx, *s.Address, s.Snapshot, domain.StepShippingMethod)
		if err != nil {
			return nil, err
		}
		return MethodSelected{MethodID: methodID, Requoted: options}, nil
	})
}

// SubmitPayment tokenizes details. With nil details a token still bound to
// the current order is reused.
func (p *Pipeline) SubmitPayment(ctx context.Context, details *payment.Details) (Session, error) {
	return p.step(ctx, domain.StepPayment, func(s Session) (Event, error) {
		if details == nil {
			if s.HasToken() {
				return PaymentTokenized{Token: s.PaymentToken}, nil
			}
			return nil, domain.ErrPaymentRequired
		}
		token, err := withTimeout(ctx, p.cfg.PaymentTimeout, domain.StepPayment, "payment.Tokenize",
			func(ctx context.Context) (domain.PaymentToken, error) {
				return p.deps.Payment.Tokenize(ctx, *details)
			})
		if err != nil {
			return nil, err
		}
		return PaymentTokenized{Token: token}, nil
	})
}

// Back re-enters an earlier step.
func (p *Pipeline) Back(ctx context.Context, step domain.CheckoutStep) (Session, error) {
	if !p.running.CompareAndSwap(false, true) {
		return p.Session(), domain.ErrStepInProgress
	}
	defer p.running.Store(false)

	if err := p.settle(context.WithoutCancel(ctx)); err != nil {
		return p.Session(), p.fail(ctx, domain.StepConfirming, err)
	}
	return p.apply(ctx, Reentered{Step: step})
}

// Cancel abandons the checkout. Stock is only held after a Confirm whose
// capture outcome is unknown; that charge is voided and the stock released.
func (p *Pipeline) Cancel(ctx context.Context) (Session, error) {
	if !p.running.CompareAndSwap(false, true) {
		return p.Session(), domain.ErrStepInProgress
	}
	defer p.running.Store(false)

	// on failure the reservation stays held until the expiry sweep
	_ = p.settle(context.WithoutCancel(ctx))
	return p.apply(ctx, Failed{Reason: domain.FailureCancelled})
}

// Confirm is the commit point: reserve stock for every line, capture
// payment, persist the order, then confirm the reservation and clear the
// cart. A shortage fails the checkout without charging. Cancelling ctx
// before capture releases the reservation; from capture on the remaining
// work runs to completion regardless of ctx. Stock is released only once
// payment is known not to have been taken: a capture that fails without a
// decline is voided first, and if that fails too the reservation is kept
// for the next Confirm, Back or Cancel to settle.
func (p *Pipeline) Confirm(ctx context.Context) (Session, *domain.Order, error) {
	if !p.running.CompareAndSwap(false, true) {
		return p.Session(), nil, domain.ErrStepInProgress
	}
	defer p.running.Store(false)

	s := p.Session()
	const step = domain.StepConfirming
	if s.Step != step {
		err := p.fail(ctx, step, fmt.Errorf("confirm in %s: %w", s.Step, domain.ErrIllegalStep))
		return p.Session(), nil, err
	}
	if !s.HasToken() {
		err := p.fail(ctx, step, domain.ErrTokenInvalidated)
		return p.Session(), nil, err
	}
	if err := ctx.Err(); err != nil {
		return s, nil, err
	}

	lines := s.availableLines()
	reservation, err := withTimeout(ctx, p.cfg.InventoryTimeout, step, "inventory.CommitReservation",
		func(ctx context.Context) (*inventory.Reservation, error) {
			return p.deps.Inventory.CommitReservation(ctx, s.ID, reservationLines(lines))
		})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			_, _ = p.apply(ctx, Failed{Reason: domain.FailureInsufficientStock})
		case fatal(err):
			_, _ = p.apply(ctx, Failed{Reason: domain.FailureFatal})
		}
		err = p.fail(ctx, step, err)
		return p.Session(), nil, err
	}

	if err := ctx.Err(); err != nil {
		if p.unsettled == "" {
			p.release(reservation.ID)
		}
		return s, nil, err
	}

	// irrevocable from here on
	detached := context.WithoutCancel(ctx)
	totals := p.totals(s)

	receipt, err := p.capture(detached, s, totals.GrandTotal)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentDeclined) {
			p.unsettled = ""
			p.release(reservation.ID)
			_, _ = p.apply(detached, Failed{Reason: domain.FailurePaymentDeclined})
		} else {
			p.unsettled = reservation.ID
			_ = p.settle(detached)
		}
		err = p.fail(detached, step, err)
		return p.Session(), nil, err
	}
	p.unsettled = ""

	o := &domain.Order{
		ID:              uuid.NewString(),
		CheckoutID:      s.ID,
		CartID:          s.CartID,
		Lines:           orderLines(lines),
		ShippingAddress: *s.Address,
		ShippingMethod:  *s.SelectedMethod,
		Totals:          totals,
		ReservationID:   reservation.ID,
		PaymentReceipt:  receipt.ID,
		PlacedAt:        p.now().UTC(),
		Status:          domain.OrderStatusPlaced,
	}
	if err := p.createOrder(detached, o); err != nil {
		p.logger.Error("order could not be stored, compensating",
			zap.String("reservation_id", reservation.ID),
			zap.String("receipt_id", receipt.ID),
			zap.Error(err))
		p.refund(receipt.ID)
		p.release(reservation.ID)
		_, _ = p.apply(detached, Failed{Reason: domain.FailureFatal})
		err = p.fail(detached, step, fmt.Errorf("create order: %w", err))
		return p.Session(), nil, err
	}

	p.confirmReservation(detached, reservation.ID)
	if err := p.clearCart(detached); err != nil {
		p.logger.Warn("cart not cleared after order", zap.String("order_id", o.ID), zap.Error(err))
	}

	s, err = p.apply(detached, OrderPlaced{OrderID: o.ID, ReservationID: reservation.ID, PaymentReceipt: receipt.ID})
	if err != nil {
		return s, o, err
	}
	p.metrics.OrderPlaced(detached, int64(o.Totals.GrandTotal), p.cfg.Currency)
	p.logger.Info("order placed",
		zap.String("order_id", o.ID),
		zap.Int64("grand_total", int64(o.Totals.GrandTotal)))
	return s, o, nil
}

// step runs one forward step: check the current step, call collaborators
// through fn, then feed the resulting event to Transition.
func (p *Pipeline) step(ctx context.Context, want domain.CheckoutStep, fn func(s Session) (Event, error)) (Session, error) {
	if !p.running.CompareAndSwap(false, true) {
		return p.Session(), domain.ErrStepInProgress
	}
	defer p.running.Store(false)

	s := p.Session()
	if s.Step != want {
		err := p.fail(ctx, want, fmt.Errorf("%s requested in %s: %w", want, s.Step, domain.ErrIllegalStep))
		return p.Session(), err
	}
	ev, err := fn(s)
	if err != nil {
		if fatal(err) {
			_, _ = p.apply(ctx, Failed{Reason: domain.FailureFatal})
		}
		err = p.fail(ctx, want, err)
		return p.Session(), err
	}
	return p.apply(ctx, ev)
}

// apply feeds ev to Transition and stores the result.
func (p *Pipeline) apply(ctx context.Context, ev Event) (Session, error) {
	p.mu.Lock()
	from := p.session.Step
	next, err := Transition(p.session, ev)
	p.session = next
	out := next.Clone()
	p.mu.Unlock()

	if err != nil {
		err = p.fail(ctx, from, err)
		return p.Session(), err
	}
	if out.Step != from {
		p.metrics.CheckoutStep(ctx, string(out.Step))
		p.logger.Debug("checkout step", zap.String("from", string(from)), zap.String("to", string(out.Step)))
	}
	return out, nil
}

// fail records err on the session and returns it.
func (p *Pipeline) fail(ctx context.Context, step domain.CheckoutStep, err error) error {
	class := domain.Classify(err)
	p.mu.Lock()
	p.session.Errors = append(p.session.Errors, ErrorRecord{
		Step:    step,
		Class:   class,
		Message: err.Error(),
		At:      p.now().UTC(),
	})
	p.mu.Unlock()

	p.metrics.CheckoutFailure(ctx, string(step), string(class))
	if class == domain.ClassFatal {
		p.logger.Error("checkout step failed", zap.String("step", string(step)), zap.Error(err))
	} else {
		p.logger.Info("checkout step rejected", zap.String("step", string(step)),
			zap.String("class", string(class)), zap.Error(err))
	}
	return err
}

func (p *Pipeline) quote(ctx context.Context, addr domain.Address, snapshot domain.Cart, step domain.CheckoutStep) ([]domain.ShippingOption, error) {
	options, err := withTimeout(ctx, p.cfg.ShippingTimeout, step, "shipping.Quote",
		func(ctx context.Context) ([]domain.ShippingOption, error) {
			return p.deps.Shipping.Quote(ctx, addr, snapshot)
		})
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no shipping options for %s: %w", addr.Country, domain.ErrInvalidAddress)
	}
	return options, nil
}

func (p *Pipeline) totals(s Session) domain.OrderTotals {
	subtotal := s.Subtotal()
	tax := decimal.NewFromInt(int64(subtotal)).Mul(p.cfg.TaxRate).Round(0).IntPart()
	t := domain.OrderTotals{
		Subtotal: subtotal,
		Shipping: s.ShippingCost(),
		Tax:      domain.Money(tax),
	}
	t.GrandTotal = t.Subtotal + t.Shipping + t.Tax
	return t
}

// capture charges through the breaker with bounded retries. Declines are
// final; anything else that outlasts the retries is reported as a timeout.
func (p *Pipeline) capture(ctx context.Context, s Session, amount domain.Money) (*payment.Receipt, error) {
	const op = "payment.Capture"
	receipt, err := backoff.Retry(ctx, func() (*payment.Receipt, error) {
		r, err := p.deps.Breaker.Execute(func() (*payment.Receipt, error) {
			captureCtx, cancel := context.WithTimeout(ctx, p.cfg.PaymentTimeout)
			defer cancel()
			return p.deps.Payment.Capture(captureCtx, s.PaymentToken, amount, p.captureKey(s))
		})
		if errors.Is(err, domain.ErrPaymentDeclined) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			p.logger.Warn("payment capture attempt failed", zap.Error(err))
		}
		return r, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.cfg.RetryMaxAttempts)),
	)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, domain.ErrPaymentDeclined):
		return nil, err
	default:
		return nil, &domain.TimeoutError{Step: domain.StepConfirming, Op: op, Err: err}
	}
}

func (p *Pipeline) captureKey(s Session) string {
	if p.captureRound == 0 {
		return s.ID
	}
	return fmt.Sprintf("%s-%d", s.ID, p.captureRound)
}

// settle resolves an unsettled capture. Whatever was charged under the
// current key is voided, then the reservation is released. When the void
// itself fails the reservation stays held and the error is returned.
func (p *Pipeline) settle(ctx context.Context) error {
	if p.unsettled == "" {
		return nil
	}
	key := p.captureKey(p.Session())
	_, err := withTimeout(ctx, p.cfg.PaymentTimeout, domain.StepConfirming, "payment.Void",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.deps.Payment.Void(ctx, key)
		})
	switch {
	case err == nil:
		p.logger.Warn("voided capture with unknown outcome", zap.String("idempotency_key", key))
		p.captureRound++
	case errors.Is(err, payment.ErrReceiptNotFound):
	default:
		p.logger.Error("capture outcome unresolved, holding reservation",
			zap.String("idempotency_key", key),
			zap.String("reservation_id", p.unsettled),
			zap.Error(err))
		if !errors.Is(err, domain.ErrTimeout) {
			err = &domain.TimeoutError{Step: domain.StepConfirming, Op: "payment.Void", Err: err}
		}
		return err
	}
	p.release(p.unsettled)
	p.unsettled = ""
	return nil
}

// createOrder retries transient failures. A duplicate means an earlier
// attempt landed; that order is adopted.
func (p *Pipeline) createOrder(ctx context.Context, o *domain.Order) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		saveCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistenceTimeout)
		defer cancel()

		err := p.deps.Orders.CreateOrder(saveCtx, o)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, order.ErrDuplicateCheckout):
			if existing := p.findOrder(ctx, o); existing != nil {
				*o = *existing
				return struct{}{}, nil
			}
			return struct{}{}, backoff.Permanent(err)
		case domain.Retryable(err) || errors.Is(err, context.DeadlineExceeded):
			p.logger.Warn("order save attempt failed", zap.Error(err))
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.cfg.RetryMaxAttempts)),
	)
	return err
}

func (p *Pipeline) findOrder(ctx context.Context, o *domain.Order) *domain.Order {
	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistenceTimeout)
	defer cancel()
	orders, err := p.deps.Orders.ListOrdersByCart(lookupCtx, o.CartID)
	if err != nil {
		return nil
	}
	for _, existing := range orders {
		if existing.CheckoutID == o.CheckoutID {
			return existing
		}
	}
	return nil
}

// confirmReservation retries; a reservation left unconfirmed would be swept
// back into stock while its order exists.
func (p *Pipeline) confirmReservation(ctx context.Context, reservationID string) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.InventoryTimeout)
		defer cancel()
		err := p.deps.Inventory.Confirm(confirmCtx, reservationID)
		if errors.Is(err, inventory.ErrReservationNotFound) || errors.Is(err, inventory.ErrInvalidStatus) ||
			errors.Is(err, inventory.ErrReservationExpired) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.cfg.RetryMaxAttempts)),
	)
	if err != nil {
		p.logger.Error("reservation not confirmed for placed order",
			zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

func (p *Pipeline) release(reservationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InventoryTimeout)
	defer cancel()
	if err := p.deps.Inventory.Release(ctx, reservationID); err != nil {
		p.logger.Error("failed to release reservation",
			zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

func (p *Pipeline) refund(receiptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PaymentTimeout)
	defer cancel()
	if err := p.deps.Payment.Refund(ctx, receiptID); err != nil {
		p.logger.Error("failed to refund payment",
			zap.String("receipt_id", receiptID), zap.Error(err))
	}
}

func (p *Pipeline) clearCart(ctx context.Context) error {
	clearCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistenceTimeout)
	defer cancel()
	return p.deps.Cart.Clear(clearCtx)
}

func (p *Pipeline) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitialWait
	b.MaxInterval = 20 * p.cfg.RetryInitialWait
	return b
}

// withTimeout bounds fn by timeout and reports a deadline hit as a
// *domain.TimeoutError. A caller cancellation is returned as is.
func withTimeout[T any](ctx context.Context, timeout time.Duration, step domain.CheckoutStep, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(callCtx)
	if err != nil {
		return v, asTimeout(ctx, err, step, op)
	}
	return v, nil
}

// fatal reports errors that abort the checkout. The caller's own
// cancellation or deadline is not one of them.
func fatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return domain.Classify(err) == domain.ClassFatal
}

func asTimeout(ctx context.Context, err error, step domain.CheckoutStep, op string) error {
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		if te.Step == "" {
			te.Step = step
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &domain.TimeoutError{Step: step, Op: op, Err: err}
	}
	return err
}

func reservationLines(lines []domain.CartLine) []inventory.ReservationLine {
	out := make([]inventory.ReservationLine, len(lines))
	for i, l := range lines {
		out[i] = inventory.ReservationLine{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity}
	}
	return out
}

func orderLines(lines []domain.CartLine) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	for i, l := range lines {
		out[i] = domain.OrderLine{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPriceAtAdd,
			Subtotal:  l.Subtotal(),
		}
	}
	return out
}
