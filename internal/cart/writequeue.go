package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fjod/go_cart/storefront/internal/cart/persistence"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"go.uber.org/zap"
)

// WriteQueue serializes snapshot writes for one cart on a single worker.
// Pending writes coalesce to the newest version, and a version at or below
// one already written is never sent.
type WriteQueue struct {
	adapter     persistence.Adapter
	cartID      string
	timeout     time.Duration
	maxAttempts uint
	initialWait time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	pending  *domain.Cart
	inflight bool
	written  uint64
	lastErr  error
	waiters  []chan struct{}
	closed   bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// QueueConfig bounds each save attempt and the retries around it. Zero
// values fall back to defaults.
type QueueConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	InitialWait time.Duration
}

// NewWriteQueue starts the goroutine that drains saves for cartID.
func NewWriteQueue(adapter persistence.Adapter, cartID string, cfg QueueConfig, logger *zap.Logger, m *metrics.Metrics) *WriteQueue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 100 * time.Millisecond
	}
	q := &WriteQueue{
		adapter:     adapter,
		cartID:      cartID,
		timeout:     cfg.Timeout,
		maxAttempts: uint(cfg.MaxAttempts),
		initialWait: cfg.InitialWait,
		logger:      logger,
		metrics:     m,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules a snapshot. It never blocks.
func (q *WriteQueue) Enqueue(c domain.Cart) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || c.Version <= q.written {
		return
	}
	if q.pending != nil && q.pending.Version >= c.Version {
		return
	}
	snap := c.Clone()
	q.pending = &snap

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every enqueued snapshot has been attempted and returns
// the error of the last write, if it failed.
func (q *WriteQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == nil && !q.inflight {
		err := q.lastErr
		q.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and stops the worker.
func (q *WriteQueue) Close(ctx context.Context) error {
	err := q.Flush(ctx)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return err
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
	return err
}

// Written is the highest version known to be stored.
func (q *WriteQueue) Written() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.written
}

func (q *WriteQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.wake:
			q.drain()
		case <-q.stop:
			return
		}
	}
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		c := q.pending
		if c == nil {
			q.inflight = false
			waiters := q.waiters
			q.waiters = nil
			q.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			return
		}
		q.pending = nil
		q.inflight = true
		q.mu.Unlock()

		err := q.write(*c)

		q.mu.Lock()
		switch {
		case err == nil:
			if c.Version > q.written {
				q.written = c.Version
			}
			q.lastErr = nil
		case errors.Is(err, persistence.ErrStaleWrite):
			// a newer snapshot is already stored, nothing to repair
			q.lastErr = nil
		default:
			q.lastErr = err
		}
		q.mu.Unlock()
	}
}

func (q *WriteQueue) write(c domain.Cart) error {
	ctx := context.Background()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		saveCtx, cancel := context.WithTimeout(ctx, q.timeout)
		defer cancel()

		err := q.adapter.Save(saveCtx, q.cartID, c)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, persistence.ErrStaleWrite) {
			return struct{}{}, backoff.Permanent(err)
		}
		q.logger.Warn("cart snapshot write failed",
			zap.String("cart_id", q.cartID),
			zap.Uint64("version", c.Version),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(q.backOff()),
		backoff.WithMaxTries(q.maxAttempts),
	)

	switch {
	case err == nil:
		q.metrics.PersistenceWrite(ctx, true)
		return nil
	case errors.Is(err, persistence.ErrStaleWrite):
		q.logger.Debug("skipped stale cart snapshot", zap.String("cart_id", q.cartID), zap.Uint64("version", c.Version))
		return err
	default:
		q.metrics.PersistenceWrite(ctx, false)
		q.logger.Error("cart snapshot write gave up",
			zap.String("cart_id", q.cartID),
			zap.Uint64("version", c.Version),
			zap.Error(err))
		return fmt.Errorf("persist cart %s v%d: %w", q.cartID, c.Version, err)
	}
}

func (q *WriteQueue) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.initialWait
	b.MaxInterval = 20 * q.initialWait
	return b
}
