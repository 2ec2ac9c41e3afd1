package checkout

import (
	"fmt"
	"strings"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// Event is an input to Transition.
type Event interface {
	event()
}

// Reviewed carries the revalidated snapshot. Any issue keeps the session in Review.
type Reviewed struct {
	Snapshot domain.Cart
	Issues   []domain.LineIssue
}

// AddressEntered carries the normalized address and the options quoted for it.
type AddressEntered struct {
	Address domain.Address
	Options []domain.ShippingOption
}

// MethodSelected carries the chosen method and a fresh quote for the same address.
type MethodSelected struct {
	MethodID string
	Requoted []domain.ShippingOption
}

type PaymentTokenized struct {
	Token domain.PaymentToken
}

type OrderPlaced struct {
	OrderID        string
	ReservationID  string
	PaymentReceipt string
}

type Failed struct {
	Reason domain.FailureReason
}

// Reentered moves back to an earlier step. Later state is kept as a draft and
// re-derived when the steps are passed again.
type Reentered struct {
	Step domain.CheckoutStep
}

func (Reviewed) event()         {}
func (AddressEntered) event()   {}
func (MethodSelected) event()   {}
func (PaymentTokenized) event() {}
func (OrderPlaced) event()      {}
func (Failed) event()           {}
func (Reentered) event()        {}

// Transition applies ev to s. It always returns the session to keep: on most
// errors that is s unchanged, but a changed quote stores the new options
// alongside ErrQuoteChanged. A token no longer bound to the current lines,
// address and method is dropped after every transition.
func Transition(s Session, ev Event) (Session, error) {
	if s.Step.IsTerminal() {
		return s, illegal(s.Step, ev)
	}

	next := s.Clone()
	var err error

	switch e := ev.(type) {
	case Reviewed:
		if !domain.CanTransitionTo(s.Step, domain.StepShippingInfo) {
			return s, illegal(s.Step, ev)
		}
		if len(e.Snapshot.Lines) == 0 {
			return s, domain.ErrEmptyCart
		}
		if len(e.Issues) > 0 {
			return s, &domain.CartChangedError{Issues: e.Issues}
		}
		next.Snapshot = e.Snapshot.Clone()
		next.Step = domain.StepShippingInfo

	case AddressEntered:
		if !domain.CanTransitionTo(s.Step, domain.StepShippingMethod) {
			return s, illegal(s.Step, ev)
		}
		if missing := e.Address.MissingFields(); len(missing) > 0 {
			return s, fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), domain.ErrInvalidAddress)
		}
		addr := e.Address
		next.Address = &addr
		next.ShippingOptions = append([]domain.ShippingOption(nil), e.Options...)
		next.OptionsVersion++
		if next.SelectedMethod != nil {
			if opt, ok := findOption(next.ShippingOptions, next.SelectedMethod.ID); !ok || opt != *next.SelectedMethod {
				next.SelectedMethod = nil
			}
		}
		next.Step = domain.StepShippingMethod

	case MethodSelected:
		if !domain.CanTransitionTo(s.Step, domain.StepPayment) {
			return s, illegal(s.Step, ev)
		}
		if _, ok := findOption(s.ShippingOptions, e.MethodID); !ok {
			return s, fmt.Errorf("method %q: %w", e.MethodID, domain.ErrUnknownMethod)
		}
		if !sameOptions(s.ShippingOptions, e.Requoted) {
			next.ShippingOptions = append([]domain.ShippingOption(nil), e.Requoted...)
			next.OptionsVersion++
			next.SelectedMethod = nil
			err = domain.ErrQuoteChanged
			break
		}
		opt, _ := findOption(s.ShippingOptions, e.MethodID)
		next.SelectedMethod = &opt
		next.Step = domain.StepPayment

	case PaymentTokenized:
		if !domain.CanTransitionTo(s.Step, domain.StepConfirming) {
			return s, illegal(s.Step, ev)
		}
		if e.Token == "" {
			return s, domain.ErrPaymentRequired
		}
		next.PaymentToken = e.Token
		next.TokenFingerprint = next.fingerprint()
		next.Step = domain.StepConfirming

	case OrderPlaced:
		if !domain.CanTransitionTo(s.Step, domain.StepCompleted) {
			return s, illegal(s.Step, ev)
		}
		next.OrderID = e.OrderID
		next.ReservationID = e.ReservationID
		next.PaymentReceipt = e.PaymentReceipt
		next.Step = domain.StepCompleted
		// single use
		next.PaymentToken = ""
		next.TokenFingerprint = ""
		return next, nil

	case Failed:
		next.Step = domain.StepFailed
		next.Failure = e.Reason
		next.PaymentToken = ""
		next.TokenFingerprint = ""
		return next, nil

	case Reentered:
		if !e.Step.Before(s.Step) {
			return s, illegal(s.Step, ev)
		}
		next.Step = e.Step

	default:
		return s, fmt.Errorf("unknown event %T: %w", ev, domain.ErrIllegalStep)
	}

	if next.PaymentToken != "" && next.TokenFingerprint != next.fingerprint() {
		next.PaymentToken = ""
		next.TokenFingerprint = ""
	}
	return next, err
}

func illegal(step domain.CheckoutStep, ev Event) error {
	return fmt.Errorf("%T in %s: %w", ev, step, domain.ErrIllegalStep)
}

func findOption(options []domain.ShippingOption, id string) (domain.ShippingOption, bool) {
	for _, o := range options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.ShippingOption{}, false
}

func sameOptions(a, b []domain.ShippingOption) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
