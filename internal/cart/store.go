package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cart/persistence"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultOracleTimeout = 2 * time.Second

type Option func(*Store)

// WithPersistence snapshots every new version through an ordered write queue.
func WithPersistence(adapter persistence.Adapter, cfg QueueConfig) Option {
	return func(s *Store) {
		s.adapter = adapter
		s.queueCfg = cfg
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithOracleTimeout(d time.Duration) Option {
	return func(s *Store) { s.oracleTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store owns one live cart. Mutations serialize on mu and every mutation
// bumps the version. Async results computed for an older version are
// discarded.
type Store struct {
	mu   sync.Mutex
	cart domain.Cart

	resolver      ProductResolver
	oracle        inventory.Oracle
	oracleTimeout time.Duration
	adapter       persistence.Adapter
	queueCfg      QueueConfig
	queue         *WriteQueue
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	sfg singleflight.Group
}

// NewStore creates an empty cart. Call Load to restore a persisted one.
func NewStore(cartID string, resolver ProductResolver, oracle inventory.Oracle, opts ...Option) *Store {
	s := &Store{
		cart:          domain.Cart{ID: cartID},
		resolver:      resolver,
		oracle:        oracle,
		oracleTimeout: defaultOracleTimeout,
		logger:        zap.NewNop(),
		metrics:       metrics.Noop(),
		now:           time.Now,
		subs:          make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.adapter != nil {
		s.queue = NewWriteQueue(s.adapter, cartID, s.queueCfg, s.logger, s.metrics)
	}
	return s
}

// ID returns the cart id.
func (s *Store) ID() string {
	return s.cart.ID
}

// AddItem adds quantity of a product (or variant), merging into an existing
// line. The unit price is captured from the catalog on first add.
func (s *Store) AddItem(ctx context.Context, productID, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		return domain.Cart{}, fmt.Errorf("add %d of %s: %w", quantity, productID, domain.ErrInvalidQuantity)
	}
	p, ok := s.resolver.Product(productID)
	if !ok {
		return domain.Cart{}, fmt.Errorf("add %s: %w", productID, domain.ErrProductNotFound)
	}
	if !p.IsActive {
		return domain.Cart{}, fmt.Errorf("add %s: %w", productID, domain.ErrProductInactive)
	}
	price, err := p.UnitPrice(variantID)
	if err != nil {
		return domain.Cart{}, err
	}

	return s.mutate(ctx, OpAdd, func(c *domain.Cart) (bool, error) {
		key := domain.LineKey{ProductID: productID, VariantID: variantID}
		if i := c.Find(key); i >= 0 {
			c.Lines[i].Quantity += quantity
			return true, nil
		}
		c.Lines = append(c.Lines, domain.CartLine{
			ProductID:      productID,
			VariantID:      variantID,
			Quantity:       quantity,
			UnitPriceAtAdd: price,
			AddedAt:        s.now(),
			Status:         domain.LineOK,
		})
		return true, nil
	})
}

// UpdateQuantity sets a line's quantity. Zero removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, productID, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 0 {
		return domain.Cart{}, fmt.Errorf("update %s to %d: %w", productID, quantity, domain.ErrInvalidQuantity)
	}
	if quantity == 0 {
		return s.RemoveItem(ctx, productID, variantID)
	}

	return s.mutate(ctx, OpUpdate, func(c *domain.Cart) (bool, error) {
		i := c.Find(domain.LineKey{ProductID: productID, VariantID: variantID})
		if i < 0 {
			return false, fmt.Errorf("update %s/%s: %w", productID, variantID, domain.ErrLineNotFound)
		}
		c.Lines[i].Quantity = quantity
		// the user has seen and answered the clamp
		if c.Lines[i].Status == domain.LineQuantityReduced {
			c.Lines[i].Status = domain.LineOK
		}
		return true, nil
	})
}

// RemoveItem is idempotent: an absent line leaves the cart and its version untouched.
func (s *Store) RemoveItem(ctx context.Context, productID, variantID string) (domain.Cart, error) {
	return s.mutate(ctx, OpRemove, func(c *domain.Cart) (bool, error) {
		i := c.Find(domain.LineKey{ProductID: productID, VariantID: variantID})
		if i < 0 {
			return false, nil
		}
		c.Lines = append(c.Lines[:i:i], c.Lines[i+1:]...)
		return true, nil
	})
}

// Clear empties the cart, typically after an order was placed from it.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.mutate(ctx, OpClear, func(c *domain.Cart) (bool, error) {
		if len(c.Lines) == 0 {
			return false, nil
		}
		c.Lines = nil
		return true, nil
	})
	return err
}

// Revalidate re-checks every line and applies the result if the cart did not
// change meanwhile. Concurrent calls share one run. Lines are flagged or
// clamped, never removed.
func (s *Store) Revalidate(ctx context.Context) (domain.Cart, []domain.LineIssue, error) {
	type result struct {
		cart   domain.Cart
		issues []domain.LineIssue
	}
	ch := s.sfg.DoChan("revalidate", func() (interface{}, error) {
		// shared by every waiter, so no single caller's cancellation applies;
		// each oracle call is still bounded by oracleTimeout
		c, issues, err := s.revalidate(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return result{cart: c, issues: issues}, nil
	})

	select {
	case <-ctx.Done():
		return domain.Cart{}, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Cart{}, nil, res.Err
		}
		r := res.Val.(result)
		return r.cart.Clone(), append([]domain.LineIssue(nil), r.issues...), nil
	}
}

func (s *Store) revalidate(ctx context.Context) (domain.Cart, []domain.LineIssue, error) {
	s.mu.Lock()
	version := s.cart.Version
	lines := append([]domain.CartLine(nil), s.cart.Lines...)
	s.mu.Unlock()

	checked, issues, err := Reconcile(ctx, s.resolver, s.oracle, s.oracleTimeout, lines)
	if err != nil {
		return domain.Cart{}, nil, err
	}

	s.mu.Lock()
	if s.cart.Version != version {
		current := s.cart.Version
		s.mu.Unlock()
		s.logger.Debug("discarding revalidation for old version",
			zap.String("cart_id", s.cart.ID),
			zap.Uint64("computed_for", version),
			zap.Uint64("current", current))
		return domain.Cart{}, nil, fmt.Errorf("revalidate v%d, cart is at v%d: %w", version, current, domain.ErrSuperseded)
	}

	diff := diffLines(s.cart.Lines, checked)
	if len(diff) > 0 {
		s.cart.Lines = checked
		s.commitLocked(ctx, OpRevalidate, diff)
	}
	out := s.cart.Clone()
	s.mu.Unlock()

	return out, issues, nil
}

// Totals are computed from the current lines on every call.
func (s *Store) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.ComputeTotals()
}

// Snapshot returns a deep copy of the live cart.
func (s *Store) Snapshot() domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Clone()
}

// Restore replaces the live cart with a persisted one unless the local
// state is newer, in which case a *domain.StaleSnapshotError is returned and
// nothing changes.
func (s *Store) Restore(snapshot domain.Cart) error {
	s.mu.Lock()
	if snapshot.Version < s.cart.Version {
		current := s.cart.Version
		s.mu.Unlock()
		return &domain.StaleSnapshotError{SnapshotVersion: snapshot.Version, CurrentVersion: current}
	}
	diff := diffLines(s.cart.Lines, snapshot.Lines)
	restored := snapshot.Clone()
	restored.ID = s.cart.ID
	s.cart = restored
	s.publish(Change{CartID: s.cart.ID, Version: s.cart.Version, Op: OpRestore, Diff: diff})
	s.mu.Unlock()
	return nil
}

// Load restores the persisted snapshot, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.adapter == nil {
		return nil
	}
	c, err := s.adapter.Load(ctx, s.cart.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cart %s: %w", s.cart.ID, err)
	}
	return s.Restore(*c)
}

// Subscribe returns a channel of changes and a cancel func. A subscriber
// that falls more than buffer changes behind misses changes rather than
// blocking the store.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// Flush waits for queued snapshots to be written.
func (s *Store) Flush(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Flush(ctx)
}

// Close flushes pending writes and closes every subscriber channel.
func (s *Store) Close(ctx context.Context) error {
	var err error
	if s.queue != nil {
		err = s.queue.Close(ctx)
	}

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
	return err
}

// mutate applies fn to a working copy; when fn reports a change the copy
// becomes the new version.
func (s *Store) mutate(ctx context.Context, op ChangeOp, fn func(c *domain.Cart) (bool, error)) (domain.Cart, error) {
	s.mu.Lock()
	work := s.cart.Clone()
	changed, err := fn(&work)
	if err != nil || !changed {
		out := s.cart.Clone()
		s.mu.Unlock()
		return out, err
	}

	diff := diffLines(s.cart.Lines, work.Lines)
	s.cart.Lines = work.Lines
	s.commitLocked(ctx, op, diff)
	out := s.cart.Clone()
	s.mu.Unlock()
	return out, nil
}

// commitLocked bumps the version, queues the snapshot and notifies
// subscribers in version order. s.mu must be held.
func (s *Store) commitLocked(ctx context.Context, op ChangeOp, diff []LineDiff) {
	s.cart.Version++
	s.cart.UpdatedAt = s.now()
	if s.queue != nil {
		s.queue.Enqueue(s.cart)
	}
	s.publish(Change{CartID: s.cart.ID, Version: s.cart.Version, Op: op, Diff: diff})
	s.metrics.CartMutation(ctx, string(op))
	s.logger.Debug("cart mutated",
		zap.String("cart_id", s.cart.ID),
		zap.String("op", string(op)),
		zap.Uint64("version", s.cart.Version),
		zap.Int("changed_lines", len(diff)))
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("dropping cart change for slow subscriber",
				zap.String("cart_id", c.CartID),
				zap.Int("subscriber", id),
				zap.Uint64("version", c.Version))
		}
	}
}
