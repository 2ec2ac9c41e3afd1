package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateCheckout = errors.New("order for this checkout already exists")
)

const EventOrderPlaced = "order.placed"

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Repository stores placed orders. CreateOrder also records an
// order-placed outbox event atomically with the order.
type Repository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByCart(ctx context.Context, cartID string) ([]*domain.Order, error)
}

type OutboxEvent struct {
	ID          int
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// OutboxStore is the poller's view of the outbox table.
type OutboxStore interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int) error
}

// PlacedEvent is the payload published for every new order.
type PlacedEvent struct {
	OrderID    string             `json:"order_id"`
	CheckoutID string             `json:"checkout_id"`
	CartID     string             `json:"cart_id"`
	Lines      []domain.OrderLine `json:"lines"`
	Totals     domain.OrderTotals `json:"totals"`
	PlacedAt   time.Time          `json:"placed_at"`
}

func placedPayload(o *domain.Order) ([]byte, error) {
	payload, err := json.Marshal(PlacedEvent{
		OrderID:    o.ID,
		CheckoutID: o.CheckoutID,
		CartID:     o.CartID,
		Lines:      o.Lines,
		Totals:     o.Totals,
		PlacedAt:   o.PlacedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}
	return payload, nil
}

// MemoryRepository keeps orders and their outbox in process.
type MemoryRepository struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order
	byCheckout map[string]string
	outbox     []*OutboxEvent
	processed  map[int]bool
	nextID     int
}

// NewMemoryRepository creates an in-process repository with its own outbox.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:     make(map[string]*domain.Order),
		byCheckout: make(map[string]string),
		processed:  make(map[int]bool),
	}
}

// CreateOrder stores o and queues its OrderPlaced event.
func (r *MemoryRepository) CreateOrder(ctx context.Context, o *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := placedPayload(o)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byCheckout[o.CheckoutID]; ok {
		return ErrDuplicateCheckout
	}
	stored := cloneOrder(o)
	r.orders[o.ID] = stored
	r.byCheckout[o.CheckoutID] = o.ID

	r.nextID++
	r.outbox = append(r.outbox, &OutboxEvent{
		ID:          r.nextID,
		AggregateID: o.CheckoutID,
		EventType:   EventOrderPlaced,
		Payload:     payload,
		CreatedAt:   o.PlacedAt,
	})
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// ListOrdersByCart returns newest first.
func (r *MemoryRepository) ListOrdersByCart(_ context.Context, cartID string) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Order
	for _, o := range r.orders {
		if o.CartID == cartID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlacedAt.After(out[j].PlacedAt)
	})
	return out, nil
}

func (r *MemoryRepository) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*OutboxEvent
	for _, e := range r.outbox {
		if r.processed[e.ID] {
			continue
		}
		ev := *e
		out = append(out, &ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkEventAsProcessed(_ context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[id] = true
	return nil
}

func cloneOrder(o *domain.Order) *domain.Order {
	out := *o
	out.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &out
}
