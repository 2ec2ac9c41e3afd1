package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/storefront/internal/cart"
	"github.com/fjod/go_cart/storefront/internal/checkout"
	"golang.org/x/sync/singleflight"
	"go.uber.org/zap"
)

const SessionHeader = "X-Session-ID"

type sessionKey struct{}

// SessionMiddleware puts the shopper's session id in the request context.
// Requests without one are rejected.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			respondError(w, http.StatusUnauthorized, "missing_session", SessionHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// CartFactory builds and loads the cart for a session.
type CartFactory func(ctx context.Context, sessionID string) (*cart.Store, error)

// CheckoutFactory starts a checkout over a cart.
type CheckoutFactory func(c checkout.Cart) *checkout.Pipeline

const defaultIdleTimeout = 30 * time.Minute

type shopper struct {
	cart     *cart.Store
	lastSeen atomic.Int64 // unix nanos

	mu       sync.Mutex
	checkout *checkout.Pipeline
}

func (sh *shopper) touch(now time.Time) {
	sh.lastSeen.Store(now.UnixNano())
}

// Sessions holds one cart and at most one checkout per session id. Sessions
// idle for longer than the idle timeout are flushed and dropped; the next
// request reloads the cart from persistence.
type Sessions struct {
	newCart     CartFactory
	newCheckout CheckoutFactory
	logger      *zap.Logger
	idleTimeout time.Duration
	now         func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	byID    map[string]*shopper
	closing map[string]chan struct{} // evicted, still flushing
}

type SessionsOption func(*Sessions)

// WithIdleTimeout sets how long a session may go unused before eviction.
func WithIdleTimeout(d time.Duration) SessionsOption {
	return func(s *Sessions) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func withSessionClock(now func() time.Time) SessionsOption {
	return func(s *Sessions) { s.now = now }
}

func NewSessions(newCart CartFactory, newCheckout CheckoutFactory, logger *zap.Logger, opts ...SessionsOption) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sessions{
		newCart:     newCart,
		newCheckout: newCheckout,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
		byID:        make(map[string]*shopper),
		closing:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the session's shopper, loading its cart on first use.
// Concurrent first requests share one load. A session still being evicted
// is reloaded only once its cart has been flushed.
func (s *Sessions) get(ctx context.Context, id string) (*shopper, error) {
	s.mu.RLock()
	sh, ok := s.byID[id]
	if ok {
		sh.touch(s.now())
	}
	s.mu.RUnlock()
	if ok {
		return sh, nil
	}

	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		s.mu.RLock()
		sh, ok := s.byID[id]
		flushing := s.closing[id]
		s.mu.RUnlock()
		if ok {
			sh.touch(s.now())
			return sh, nil
		}
		if flushing != nil {
			select {
			case <-flushing:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		c, err := s.newCart(ctx, id)
		if err != nil {
			return nil, err
		}
		sh = &shopper{cart: c}
		sh.touch(s.now())
		s.mu.Lock()
		s.byID[id] = sh
		s.mu.Unlock()
		return sh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*shopper), nil
}

// startCheckout returns the running checkout, or a new one when there is
// none or the last one has ended.
func (s *Sessions) startCheckout(sh *shopper) (*checkout.Pipeline, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.checkout != nil && !sh.checkout.Session().Step.IsTerminal() {
		return sh.checkout, false
	}
	sh.checkout = s.newCheckout(sh.cart)
	return sh.checkout, true
}

func (sh *shopper) currentCheckout() *checkout.Pipeline {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.checkout
}

// Run evicts idle sessions until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.EvictIdle(ctx); n > 0 {
				s.logger.Info("evicted idle sessions", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// EvictIdle flushes, closes and forgets every session unused for the idle
// timeout, along with any checkout it had open. It returns how many went.
func (s *Sessions) EvictIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTimeout).UnixNano()

	type evicted struct {
		id   string
		sh   *shopper
		done chan struct{}
	}
	var idle []evicted

	s.mu.Lock()
	for id, sh := range s.byID {
		if sh.lastSeen.Load() > cutoff {
			continue
		}
		done := make(chan struct{})
		s.closing[id] = done
		delete(s.byID, id)
		idle = append(idle, evicted{id: id, sh: sh, done: done})
	}
	s.mu.Unlock()

	for _, e := range idle {
		if err := e.sh.cart.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("idle cart not flushed", zap.String("cart_id", e.id), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.closing, e.id)
		s.mu.Unlock()
		close(e.done)
	}
	return len(idle)
}

// Close flushes and closes every cart.
func (s *Sessions) Close(ctx context.Context) error {
	s.mu.Lock()
	shoppers := make([]*shopper, 0, len(s.byID))
	for _, sh := range s.byID {
		shoppers = append(shoppers, sh)
	}
	s.byID = make(map[string]*shopper)
	s.mu.Unlock()

	var errs []error
	for _, sh := range shoppers {
		if err := sh.cart.Close(ctx); err != nil {
			s.logger.Warn("cart not flushed on close", zap.String("cart_id", sh.cart.ID()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
