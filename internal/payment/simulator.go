package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Refusal is the reason a charge was declined.
type Refusal string

const (
	RefusalUnknown           Refusal = "unknown"
	RefusalInsufficientFunds Refusal = "insufficient_funds"
	RefusalCardExpired       Refusal = "card_expired"
	RefusalFraudSuspected    Refusal = "fraud_suspected"
	RefusalLimitExceeded     Refusal = "limit_exceeded"
	RefusalInvalidDetails    Refusal = "invalid_details"
	RefusalInvalidToken      Refusal = "invalid_token"
)

var ErrReceiptNotFound = errors.New("payment receipt not found")

// PaymentError is a definitive decline. Infrastructure failures are plain errors.
type PaymentError struct {
	Refusal Refusal
	Reason  string
}

func (e *PaymentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("payment failed: %s", e.Reason)
	}
	return fmt.Sprintf("payment failed: %s", e.Refusal)
}

func (e *PaymentError) Unwrap() error {
	return domain.ErrPaymentDeclined
}

// Details are raw card details. They never leave the simulator; callers keep the token.
type Details struct {
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVC        string `json:"cvc"`
	Holder     string `json:"holder"`
}

type Receipt struct {
	ID         string       `json:"id"`
	Token      string       `json:"-"`
	Amount     domain.Money `json:"amount"`
	CapturedAt time.Time    `json:"captured_at"`
	Refunded   bool         `json:"refunded"`
}

// StatusSource decides the outcome of a capture.
type StatusSource interface {
	Status() (approved bool, refusal Refusal, other string)
}

type RandomStatus struct{}

func (RandomStatus) Status() (bool, Refusal, string) {
	return calcStatus(rand.Intn(100))
}

var declines = []Refusal{
	RefusalInsufficientFunds,
	RefusalCardExpired,
	RefusalFraudSuspected,
	RefusalLimitExceeded,
}

// calcStatus approves 95 of 100 rolls; the rest map to a refusal.
func calcStatus(roll int) (bool, Refusal, string) {
	if roll < 95 {
		return true, "", ""
	}
	if roll == 95 {
		return false, RefusalUnknown, "unknown reason"
	}
	return false, declines[(roll-96)%len(declines)], ""
}

// FixedStatus always returns the same outcome.
type FixedStatus struct {
	Approved bool
	Refusal  Refusal
}

func (f FixedStatus) Status() (bool, Refusal, string) {
	return f.Approved, f.Refusal, ""
}

// Simulator is an in-memory payment gateway.
type Simulator struct {
	status StatusSource
	logger *zap.Logger

	mu       sync.Mutex
	tokens   map[string]string // token -> last four digits
	receipts map[string]*Receipt
	captures map[string]string // idempotency key -> receipt id
}

// NewSimulator creates a gateway whose capture outcomes come from status.
func NewSimulator(status StatusSource, logger *zap.Logger) *Simulator {
	if status == nil {
		status = RandomStatus{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		status:   status,
		logger:   logger,
		tokens:   make(map[string]string),
		receipts: make(map[string]*Receipt),
		captures: make(map[string]string),
	}
}

// Tokenize exchanges card details for an opaque token.
func (s *Simulator) Tokenize(ctx context.Context, details Details) (domain.PaymentToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	number := strings.ReplaceAll(details.CardNumber, " ", "")
	if len(number) < 12 || strings.TrimSpace(details.Expiry) == "" || len(details.CVC) < 3 {
		return "", &PaymentError{Refusal: RefusalInvalidDetails, Reason: "card details are incomplete"}
	}

	token := "tok_" + uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = number[len(number)-4:]
	s.mu.Unlock()
	return domain.PaymentToken(token), nil
}

// Capture charges amount against token. A repeated idempotencyKey returns
// the first receipt without charging again.
func (s *Simulator) Capture(ctx context.Context, token domain.PaymentToken, amount domain.Money, idempotencyKey string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.captures[idempotencyKey]; ok && idempotencyKey != "" {
		r := *s.receipts[id]
		return &r, nil
	}
	if _, ok := s.tokens[string(token)]; !ok {
		return nil, &PaymentError{Refusal: RefusalInvalidToken}
	}
	if amount < 0 {
		return nil, &PaymentError{Refusal: RefusalUnknown, Reason: "negative amount"}
	}

	approved, refusal, other := s.status.Status()
	if !approved {
		s.logger.Info("capture declined",
			zap.String("refusal", string(refusal)),
			zap.String("idempotency_key", idempotencyKey))
		return nil, &PaymentError{Refusal: refusal, Reason: other}
	}

	r := &Receipt{
		ID:         "rcpt_" + uuid.NewString(),
		Token:      string(token),
		Amount:     amount,
		CapturedAt: time.Now(),
	}
	s.receipts[r.ID] = r
	if idempotencyKey != "" {
		s.captures[idempotencyKey] = r.ID
	}
	out := *r
	return &out, nil
}

// Refund always succeeds for a known receipt and is idempotent.
func (s *Simulator) Refund(ctx context.Context, receiptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return ErrReceiptNotFound
	}
	r.Refunded = true
	return nil
}

// Void refunds the capture made under idempotencyKey, if any. The key stays
// bound to the refunded receipt, so a later capture needs a fresh key.
func (s *Simulator) Void(ctx context.Context, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.captures[idempotencyKey]
	if !ok || idempotencyKey == "" {
		return ErrReceiptNotFound
	}
	s.receipts[id].Refunded = true
	s.logger.Info("capture voided", zap.String("idempotency_key", idempotencyKey), zap.String("receipt_id", id))
	return nil
}
