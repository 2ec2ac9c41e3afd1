package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Input errors: the caller's fault, never retried.
var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrVariantRequired = errors.New("variant required")
	ErrVariantNotFound = errors.New("variant not found")
	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is not active")
	ErrLineNotFound    = errors.New("line not found in cart")
	ErrInvalidAddress  = errors.New("invalid shipping address")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrUnknownMethod   = errors.New("unknown shipping method")
	ErrIllegalStep     = errors.New("illegal checkout transition")
	ErrEmptyCart       = errors.New("cart is empty, nothing to checkout")
	ErrPaymentRequired = errors.New("payment details required")
)

// Consistency errors: return to a known-good state and re-derive.
var (
	ErrCartChanged       = errors.New("cart changed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStaleSnapshot     = errors.New("stale cart snapshot")
	ErrSuperseded        = errors.New("result superseded by a newer cart version")
	ErrQuoteChanged      = errors.New("shipping options changed, re-select a method")
	ErrTokenInvalidated  = errors.New("payment token no longer matches the order")
)

// Transient errors: retryable in place.
var (
	ErrTimeout        = errors.New("collaborator timed out")
	ErrIOFailure      = errors.New("storage i/o failure")
	ErrNotFound       = errors.New("not found")
	ErrStepInProgress = errors.New("another checkout step is in progress")
)

// ErrPaymentDeclined marks a definitive refusal from the payment collaborator.
var ErrPaymentDeclined = errors.New("payment declined")

// ErrorClass tells a caller how to react to an error.
type ErrorClass string

const (
	ClassInput       ErrorClass = "input"
	ClassConsistency ErrorClass = "consistency"
	ClassTransient   ErrorClass = "transient"
	ClassFatal       ErrorClass = "fatal"
)

// Classify maps an error onto the retry taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrVariantRequired), errors.Is(err, ErrVariantNotFound),
		errors.Is(err, ErrProductNotFound), errors.Is(err, ErrProductInactive),
		errors.Is(err, ErrLineNotFound), errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidProduct), errors.Is(err, ErrUnknownMethod),
		errors.Is(err, ErrIllegalStep), errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrPaymentRequired), errors.Is(err, ErrPaymentDeclined):
		return ClassInput
	case errors.Is(err, ErrCartChanged), errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrStaleSnapshot), errors.Is(err, ErrSuperseded),
		errors.Is(err, ErrQuoteChanged), errors.Is(err, ErrTokenInvalidated):
		return ClassConsistency
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrIOFailure),
		errors.Is(err, ErrStepInProgress):
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Retryable is true for transient errors.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// LineIssue describes why a line failed reconciliation.
type LineIssue struct {
	Key       LineKey    `json:"key"`
	Status    LineStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Requested int        `json:"requested"`
	Available int        `json:"available"`
}

type CartChangedError struct {
	Issues []LineIssue
}

func (e *CartChangedError) Error() string {
	return fmt.Sprintf("cart changed: %s", describeIssues(e.Issues))
}

func (e *CartChangedError) Unwrap() error {
	return ErrCartChanged
}

type InsufficientStockError struct {
	Lines []LineIssue
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %s", describeIssues(e.Lines))
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type StaleSnapshotError struct {
	SnapshotVersion uint64
	CurrentVersion  uint64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale cart snapshot: version %d is older than local version %d", e.SnapshotVersion, e.CurrentVersion)
}

func (e *StaleSnapshotError) Unwrap() error {
	return ErrStaleSnapshot
}

// TimeoutError records which checkout step timed out.
type TimeoutError struct {
	Step CheckoutStep
	Op   string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out during %s: %v", e.Op, e.Step, e.Err)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.Err}
}

func describeIssues(issues []LineIssue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		id := is.Key.ProductID
		if is.Key.VariantID != "" {
			id += "/" + is.Key.VariantID
		}
		parts = append(parts, fmt.Sprintf("%s %s (requested %d, available %d)", id, is.Status, is.Requested, is.Available))
	}
	return strings.Join(parts, "; ")
}
