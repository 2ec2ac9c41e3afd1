package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultReservationTTL is how long an unconfirmed reservation holds stock.
	DefaultReservationTTL = 5 * time.Minute

	// DefaultCleanupInterval is how often orphaned reservations are swept.
	DefaultCleanupInterval = 30 * time.Second
)

// StockListener is told about every change in purchasable quantity.
type StockListener func(productID, variantID string, inv domain.Inventory)

type Option func(*MemoryStore)

// WithReservationTTL sets how long a committed reservation may stay unconfirmed.
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *MemoryStore) { s.ttl = ttl }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(s *MemoryStore) { s.cleanupInterval = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *MemoryStore) { s.logger = logger }
}

func WithStockListener(l StockListener) Option {
	return func(s *MemoryStore) { s.listeners = append(s.listeners, l) }
}

func withClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// MemoryStore is an in-process Oracle.
type MemoryStore struct {
	mu           sync.RWMutex
	stocks       map[StockKey]*stockLevel
	reservations map[string]*Reservation
	byCheckout   map[string]string // checkoutID -> reservationID

	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger
	listeners       []StockListener

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

var _ Oracle = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store and starts the sweep that expires
// reservations left unconfirmed past their TTL. Close stops it.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		stocks:          make(map[StockKey]*stockLevel),
		reservations:    make(map[string]*Reservation),
		byCheckout:      make(map[string]string),
		ttl:             DefaultReservationTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          zap.NewNop(),
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.expireReservations(); n > 0 {
				s.logger.Info("released orphaned reservations", zap.Int("count", n))
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// expireReservations releases reservations that were never confirmed in time.
func (s *MemoryStore) expireReservations() int {
	s.mu.Lock()
	now := s.now()
	var changed []StockKey
	expired := 0
	for _, r := range s.reservations {
		if r.Status == StatusReserved && r.IsExpired(now) {
			r.Status = StatusExpired
			changed = append(changed, s.unreserve(r)...)
			expired++
			s.logger.Warn("reservation expired unconfirmed",
				zap.String("reservation_id", r.ID),
				zap.String("checkout_id", r.CheckoutID))
		}
	}
	updates := s.snapshot(changed)
	s.mu.Unlock()

	s.notify(updates)
	return expired
}

// CheckStock returns the quantity still purchasable after live reservations.
func (s *MemoryStore) CheckStock(_ context.Context, productID, variantID string) (domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[StockKey{ProductID: productID, VariantID: variantID}]
	if !ok {
		return domain.Inventory{}, fmt.Errorf("stock for %s/%s: %w", productID, variantID, domain.ErrNotFound)
	}
	return domain.Inventory{QuantityAvailable: st.available(), LowStockThreshold: st.threshold}, nil
}

// CommitReservation reserves all lines atomically. Every line is checked
// before any stock moves, so a shortage leaves stock untouched and lists
// every short line. A live reservation for checkoutID is returned as is.
func (s *MemoryStore) CommitReservation(_ context.Context, checkoutID string, lines []ReservationLine) (*Reservation, error) {
	s.mu.Lock()

	if id, ok := s.byCheckout[checkoutID]; ok {
		if r := s.reservations[id]; r.Status == StatusReserved || r.Status == StatusConfirmed {
			out := r.clone()
			s.mu.Unlock()
			return out, nil
		}
	}

	// First pass: validate every line before touching any stock
	requested := make(map[StockKey]int, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			s.mu.Unlock()
			return nil, fmt.Errorf("reserve %s: %w", l.ProductID, domain.ErrInvalidQuantity)
		}
		requested[l.key()] += l.Quantity
	}
	var short []domain.LineIssue
	for _, l := range lines {
		key := l.key()
		want, pending := requested[key]
		if !pending {
			continue
		}
		delete(requested, key)
		available := 0
		if st, ok := s.stocks[key]; ok {
			available = st.available()
		}
		if available < want {
			short = append(short, domain.LineIssue{
				Key:       domain.LineKey{ProductID: key.ProductID, VariantID: key.VariantID},
				Status:    domain.LineUnavailable,
				Reason:    domain.ReasonOutOfStock,
				Requested: want,
				Available: available,
			})
		}
	}
	if len(short) > 0 {
		s.mu.Unlock()
		return nil, &domain.InsufficientStockError{Lines: short}
	}

	// Second pass: reserve
	changed := make([]StockKey, 0, len(lines))
	for _, l := range lines {
		s.stocks[l.key()].reserved += l.Quantity
		changed = append(changed, l.key())
	}

	now := s.now()
	r := &Reservation{
		ID:         uuid.New().String(),
		CheckoutID: checkoutID,
		Lines:      append([]ReservationLine(nil), lines...),
		Status:     StatusReserved,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.reservations[r.ID] = r
	s.byCheckout[checkoutID] = r.ID
	out := r.clone()
	updates := s.snapshot(changed)
	s.mu.Unlock()

	s.notify(updates)
	return out, nil
}

// Confirm finalizes a reservation, deducting its lines from total stock.
// Confirming twice is a no-op; an expired reservation cannot be confirmed.
func (s *MemoryStore) Confirm(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.Status == StatusConfirmed {
		return nil
	}
	if r.Status != StatusReserved {
		return fmt.Errorf("confirm %s in status %s: %w", r.ID, r.Status, ErrInvalidStatus)
	}
	if r.IsExpired(s.now()) {
		return ErrReservationExpired
	}

	// reserved already holds the quantity, so available does not move
	for _, l := range r.Lines {
		st := s.stocks[l.key()]
		st.total -= l.Quantity
		st.reserved -= l.Quantity
	}
	r.Status = StatusConfirmed
	return nil
}

// Release returns a reserved quantity to the pool. Released and expired
// reservations are ignored.
func (s *MemoryStore) Release(_ context.Context, reservationID string) error {
	s.mu.Lock()

	r, ok := s.reservations[reservationID]
	if !ok {
		s.mu.Unlock()
		return ErrReservationNotFound
	}
	switch r.Status {
	case StatusReleased, StatusExpired:
		s.mu.Unlock()
		return nil
	case StatusConfirmed:
		s.mu.Unlock()
		return fmt.Errorf("release %s: %w", r.ID, ErrInvalidStatus)
	}

	changed := s.unreserve(r)
	r.Status = StatusReleased
	updates := s.snapshot(changed)
	s.mu.Unlock()

	s.notify(updates)
	return nil
}

// SetStock sets the on-hand quantity of a unit. Outstanding reservations are kept.
func (s *MemoryStore) SetStock(productID, variantID string, quantity, lowStockThreshold int) error {
	if quantity < 0 || lowStockThreshold < 0 {
		return fmt.Errorf("stock for %s/%s: %w", productID, variantID, domain.ErrInvalidQuantity)
	}
	key := StockKey{ProductID: productID, VariantID: variantID}

	s.mu.Lock()
	st, ok := s.stocks[key]
	if !ok {
		st = &stockLevel{}
		s.stocks[key] = st
	}
	st.total = quantity
	st.threshold = lowStockThreshold
	updates := s.snapshot([]StockKey{key})
	s.mu.Unlock()

	s.notify(updates)
	return nil
}

// Seed registers stock for every purchasable unit of the given products.
func (s *MemoryStore) Seed(products []domain.Product) error {
	for _, p := range products {
		if !p.HasVariants() {
			if err := s.SetStock(p.ID, "", p.Stock.QuantityAvailable, p.Stock.LowStockThreshold); err != nil {
				return err
			}
			continue
		}
		for _, v := range p.Variants {
			if err := s.SetStock(p.ID, v.ID, v.Stock.QuantityAvailable, v.Stock.LowStockThreshold); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reservation returns a copy of a reservation by id.
func (s *MemoryStore) Reservation(id string) (*Reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Close stops the background sweep and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}

// unreserve must be called with s.mu held.
func (s *MemoryStore) unreserve(r *Reservation) []StockKey {
	keys := make([]StockKey, 0, len(r.Lines))
	for _, l := range r.Lines {
		s.stocks[l.key()].reserved -= l.Quantity
		keys = append(keys, l.key())
	}
	return keys
}

type stockUpdate struct {
	key StockKey
	inv domain.Inventory
}

// snapshot must be called with s.mu held.
func (s *MemoryStore) snapshot(keys []StockKey) []stockUpdate {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]stockUpdate, 0, len(keys))
	for _, k := range keys {
		st := s.stocks[k]
		out = append(out, stockUpdate{key: k, inv: domain.Inventory{QuantityAvailable: st.available(), LowStockThreshold: st.threshold}})
	}
	return out
}

func (s *MemoryStore) notify(updates []stockUpdate) {
	for _, u := range updates {
		for _, l := range s.listeners {
			l(u.key.ProductID, u.key.VariantID, u.inv)
		}
	}
}
