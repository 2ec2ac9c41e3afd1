package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Cart is the live cart a checkout is taken from. *cart.Store satisfies it.
type Cart interface {
	ID() string
	Revalidate(ctx context.Context) (domain.Cart, []domain.LineIssue, error)
	Clear(ctx context.Context) error
}

// PaymentCollaborator never exposes card data to the pipeline, only tokens.
type PaymentCollaborator interface {
	Tokenize(ctx context.Context, details payment.Details) (domain.PaymentToken, error)
	Capture(ctx context.Context, token domain.PaymentToken, amount domain.Money, idempotencyKey string) (*payment.Receipt, error)
	Refund(ctx context.Context, receiptID string) error
	// Void refunds whatever was captured under idempotencyKey and reports
	// payment.ErrReceiptNotFound when nothing was.
	Void(ctx context.Context, idempotencyKey string) error
}

// AddressValidator normalizes an address or rejects it.
type AddressValidator interface {
	Validate(ctx context.Context, addr domain.Address) (domain.Address, error)
}

type ShippingQuoter interface {
	Quote(ctx context.Context, addr domain.Address, snapshot domain.Cart) ([]domain.ShippingOption, error)
}

// Deps are the pipeline's collaborators. Validator and Breaker are optional.
type Deps struct {
	Cart      Cart
	Inventory inventory.Oracle
	Payment   PaymentCollaborator
	Shipping  ShippingQuoter
	Orders    order.Repository
	Validator AddressValidator
	Breaker   *gobreaker.CircuitBreaker[*payment.Receipt]
}

// Config bounds every collaborator call.
type Config struct {
	InventoryTimeout   time.Duration
	PaymentTimeout     time.Duration
	AddressTimeout     time.Duration
	ShippingTimeout    time.Duration
	PersistenceTimeout time.Duration
	RetryMaxAttempts   int
	RetryInitialWait   time.Duration
	TaxRate            decimal.Decimal
	Currency           string
}

func DefaultConfig() Config {
	return Config{
		InventoryTimeout:   2 * time.Second,
		PaymentTimeout:     5 * time.Second,
		AddressTimeout:     2 * time.Second,
		ShippingTimeout:    2 * time.Second,
		PersistenceTimeout: 3 * time.Second,
		RetryMaxAttempts:   3,
		RetryInitialWait:   100 * time.Millisecond,
		TaxRate:            decimal.Zero,
		Currency:           "USD",
	}
}

// NewCaptureBreaker opens after five consecutive capture failures. Declines
// are answers, not failures, and never trip it.
func NewCaptureBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker[*payment.Receipt] {
	return gobreaker.NewCircuitBreaker[*payment.Receipt](gobreaker.Settings{
		Name:        "payment-capture",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrPaymentDeclined)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
