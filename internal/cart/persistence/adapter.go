package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// ErrStaleWrite reports a save that lost to a newer stored version.
var ErrStaleWrite = errors.New("stored cart is newer than the write")

// Adapter stores cart snapshots. Save fails with domain.ErrIOFailure, Load
// with domain.ErrNotFound or domain.ErrIOFailure.
type Adapter interface {
	Save(ctx context.Context, cartID string, cart domain.Cart) error
	Load(ctx context.Context, cartID string) (*domain.Cart, error)
}

// MemoryAdapter keeps snapshots in process. It applies the same version
// guard as the durable stores.
type MemoryAdapter struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{carts: make(map[string]domain.Cart)}
}

func (m *MemoryAdapter) Save(_ context.Context, cartID string, cart domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.carts[cartID]; ok && cur.Version >= cart.Version {
		return fmt.Errorf("save cart %s v%d over v%d: %w", cartID, cart.Version, cur.Version, ErrStaleWrite)
	}
	c := cart.Clone()
	c.ID = cartID
	m.carts[cartID] = c
	return nil
}

func (m *MemoryAdapter) Load(_ context.Context, cartID string) (*domain.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	out := c.Clone()
	return &out, nil
}
