package domain

import "strings"

type CheckoutStep string

const (
	StepReview         CheckoutStep = "REVIEW"
	StepShippingInfo   CheckoutStep = "SHIPPING_INFO"
	StepShippingMethod CheckoutStep = "SHIPPING_METHOD"
	StepPayment        CheckoutStep = "PAYMENT"
	StepConfirming     CheckoutStep = "CONFIRMING"
	StepCompleted      CheckoutStep = "COMPLETED"
	StepFailed         CheckoutStep = "FAILED"
)

var stepOrder = map[CheckoutStep]int{
	StepReview:         0,
	StepShippingInfo:   1,
	StepShippingMethod: 2,
	StepPayment:        3,
	StepConfirming:     4,
	StepCompleted:      5,
}

func (s CheckoutStep) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Before reports whether s precedes other in the linear flow.
func (s CheckoutStep) Before(other CheckoutStep) bool {
	a, okA := stepOrder[s]
	b, okB := stepOrder[other]
	return okA && okB && a < b
}

// Next returns the step that follows s, if any.
func (s CheckoutStep) Next() (CheckoutStep, bool) {
	switch s {
	case StepReview:
		return StepShippingInfo, true
	case StepShippingInfo:
		return StepShippingMethod, true
	case StepShippingMethod:
		return StepPayment, true
	case StepPayment:
		return StepConfirming, true
	case StepConfirming:
		return StepCompleted, true
	}
	return "", false
}

// CanTransitionTo allows forward moves by one step and failure from any
// non-terminal step.
func CanTransitionTo(from, to CheckoutStep) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StepFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

func (s CheckoutStep) String() string {
	return string(s)
}

type FailureReason string

const (
	FailureInsufficientStock FailureReason = "insufficient_stock"
	FailurePaymentDeclined   FailureReason = "payment_declined"
	FailureCancelled         FailureReason = "cancelled"
	FailureFatal             FailureReason = "fatal"
)

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// MissingFields lists required fields that are empty.
func (a Address) MissingFields() []string {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"line1", a.Line1},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

type ShippingOption struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Cost         Money  `json:"cost"`
	EstimateDays int    `json:"estimate_days"`
}

type PaymentToken string
