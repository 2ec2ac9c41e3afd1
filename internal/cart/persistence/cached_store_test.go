package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingAdapter counts loads and can hold them until released.
type countingAdapter struct {
	*MemoryAdapter
	loads   atomic.Int32
	release chan struct{}
}

func (c *countingAdapter) Load(ctx context.Context, cartID string) (*domain.Cart, error) {
	c.loads.Add(1)
	if c.release != nil {
		<-c.release
	}
	return c.MemoryAdapter.Load(ctx, cartID)
}

func TestMemoryAdapter_VersionGuard(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "c1", testCart("c1", 2)))
	assert.ErrorIs(t, m.Save(ctx, "c1", testCart("c1", 1)), ErrStaleWrite)
	assert.ErrorIs(t, m.Save(ctx, "c1", testCart("c1", 2)), ErrStaleWrite)

	got, err := m.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)

	_, err = m.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCachedStore_LoadFillsCache(t *testing.T) {
	cache, mr := setupTestRedis(t)
	durable := &countingAdapter{MemoryAdapter: NewMemoryAdapter()}
	require.NoError(t, durable.Save(context.Background(), "c1", testCart("c1", 4)))
	store := NewCachedStore(durable, cache, zap.NewNop())

	got, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Version)
	assert.True(t, mr.Exists(cacheKey("c1")))

	_, err = store.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), durable.loads.Load(), "second load is served from cache")
}

func TestCachedStore_LoadCoalescesConcurrentMisses(t *testing.T) {
	cache, _ := setupTestRedis(t)
	durable := &countingAdapter{MemoryAdapter: NewMemoryAdapter(), release: make(chan struct{})}
	require.NoError(t, durable.MemoryAdapter.Save(context.Background(), "c1", testCart("c1", 1)))
	store := NewCachedStore(durable, cache, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Load(context.Background(), "c1")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return durable.loads.Load() == 1 }, time.Second, 5*time.Millisecond)
	// let stragglers join the in-flight call before it completes
	time.Sleep(20 * time.Millisecond)
	close(durable.release)
	wg.Wait()

	assert.LessOrEqual(t, durable.loads.Load(), int32(2))
}

func TestCachedStore_LoadNotFound(t *testing.T) {
	cache, _ := setupTestRedis(t)
	store := NewCachedStore(NewMemoryAdapter(), cache, zap.NewNop())

	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCachedStore_SaveWritesThrough(t *testing.T) {
	cache, _ := setupTestRedis(t)
	durable := NewMemoryAdapter()
	store := NewCachedStore(durable, cache, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "c1", testCart("c1", 1)))
	cached, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cached.Version)

	require.NoError(t, store.Save(ctx, "c1", testCart("c1", 5)))

	// a stale write is rejected and the cached copy dropped
	assert.ErrorIs(t, store.Save(ctx, "c1", testCart("c1", 3)), ErrStaleWrite)
	_, err = cache.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Version)
}

func TestCachedStore_CacheOutageFallsBackToDurable(t *testing.T) {
	cache, mr := setupTestRedis(t)
	durable := NewMemoryAdapter()
	store := NewCachedStore(durable, cache, zap.NewNop())
	ctx := context.Background()
	mr.Close()

	require.NoError(t, store.Save(ctx, "c1", testCart("c1", 1)))
	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}
