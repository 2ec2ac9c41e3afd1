package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// ErrorRecord is one failed step attempt.
type ErrorRecord struct {
	Step    domain.CheckoutStep `json:"step"`
	Class   domain.ErrorClass   `json:"class"`
	Message string              `json:"message"`
	At      time.Time           `json:"at"`
}

// Session is the checkout state. It is a value: Transition returns a new
// one and never mutates its argument.
type Session struct {
	ID       string               `json:"id"`
	CartID   string               `json:"cart_id"`
	Snapshot domain.Cart          `json:"snapshot"`
	Step     domain.CheckoutStep  `json:"step"`
	Failure  domain.FailureReason `json:"failure,omitempty"`

	Address         *domain.Address         `json:"address,omitempty"`
	ShippingOptions []domain.ShippingOption `json:"shipping_options,omitempty"`
	OptionsVersion  int                     `json:"options_version"`
	SelectedMethod  *domain.ShippingOption  `json:"selected_method,omitempty"`

	PaymentToken     domain.PaymentToken `json:"-"`
	TokenFingerprint string              `json:"-"`

	ReservationID  string `json:"reservation_id,omitempty"`
	PaymentReceipt string `json:"payment_receipt,omitempty"`
	OrderID        string `json:"order_id,omitempty"`

	Errors []ErrorRecord `json:"errors,omitempty"`
}

func NewSession(id string, snapshot domain.Cart) Session {
	return Session{
		ID:       id,
		CartID:   snapshot.ID,
		Snapshot: snapshot.Clone(),
		Step:     domain.StepReview,
	}
}

func (s Session) Clone() Session {
	out := s
	out.Snapshot = s.Snapshot.Clone()
	if s.Address != nil {
		a := *s.Address
		out.Address = &a
	}
	if s.SelectedMethod != nil {
		m := *s.SelectedMethod
		out.SelectedMethod = &m
	}
	out.ShippingOptions = append([]domain.ShippingOption(nil), s.ShippingOptions...)
	out.Errors = append([]ErrorRecord(nil), s.Errors...)
	return out
}

// HasToken reports whether the session holds a token captured for exactly
// the current lines, address and method.
func (s Session) HasToken() bool {
	return s.PaymentToken != "" && s.TokenFingerprint == s.fingerprint()
}

// Subtotal covers the snapshot's available lines.
func (s Session) Subtotal() domain.Money {
	return s.Snapshot.ComputeTotals().Subtotal
}

func (s Session) ShippingCost() domain.Money {
	if s.SelectedMethod == nil {
		return 0
	}
	return s.SelectedMethod.Cost
}

// fingerprint hashes what a payment token is bound to.
func (s Session) fingerprint() string {
	h := sha256.New()
	for _, l := range s.Snapshot.Lines {
		if !l.Available() {
			continue
		}
		fmt.Fprintf(h, "l|%s|%s|%d|%d\n", l.ProductID, l.VariantID, l.Quantity, l.UnitPriceAtAdd)
	}
	if a := s.Address; a != nil {
		fmt.Fprintf(h, "a|%s|%s|%s|%s|%s|%s|%s\n", a.Name, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country)
	}
	if m := s.SelectedMethod; m != nil {
		fmt.Fprintf(h, "m|%s|%d\n", m.ID, m.Cost)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// availableLines are the lines an order is placed for.
func (s Session) availableLines() []domain.CartLine {
	var out []domain.CartLine
	for _, l := range s.Snapshot.Lines {
		if l.Available() {
			out = append(out, l)
		}
	}
	return out
}
