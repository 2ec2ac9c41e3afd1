package persistence

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedStore puts a cache in front of a durable Adapter. Cache failures are
// logged and never fail the call.
type CachedStore struct {
	durable Adapter
	cache   Cache
	logger  *zap.Logger
	sfg     singleflight.Group // coalesces concurrent misses for one cart
}

var _ Adapter = (*CachedStore)(nil)

// NewCachedStore puts cache in front of durable.
func NewCachedStore(durable Adapter, cache Cache, logger *zap.Logger) *CachedStore {
	return &CachedStore{durable: durable, cache: cache, logger: logger}
}

// Load reads through the cache. Concurrent misses for one cart share a
// single durable read.
func (s *CachedStore) Load(ctx context.Context, cartID string) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(cartID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, cartID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("cart cache read failed", zap.String("cart_id", cartID), zap.Error(err))
		}

		cart, err = s.durable.Load(ctx, cartID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, cartID, *cart); err != nil {
			s.logger.Warn("cart cache fill failed", zap.String("cart_id", cartID), zap.Error(err))
		}
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	// callers sharing a flight must not share the lines slice
	out := v.(*domain.Cart).Clone()
	return &out, nil
}

// Save writes through: durable first, then the cache. A stale write drops
// the cached copy so the next load goes to the durable store.
func (s *CachedStore) Save(ctx context.Context, cartID string, cart domain.Cart) error {
	if err := s.durable.Save(ctx, cartID, cart); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			if derr := s.cache.Delete(ctx, cartID); derr != nil {
				s.logger.Warn("cart cache invalidation failed", zap.String("cart_id", cartID), zap.Error(derr))
			}
		}
		return err
	}
	if err := s.cache.Set(ctx, cartID, cart); err != nil {
		s.logger.Warn("cart cache write failed", zap.String("cart_id", cartID), zap.Error(err))
	}
	return nil
}
