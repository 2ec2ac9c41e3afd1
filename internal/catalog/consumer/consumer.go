package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type EventType string

const (
	EventUpsert     EventType = "upsert"
	EventDeactivate EventType = "deactivate"
	EventStock      EventType = "stock"
)

// CatalogEvent is one change published on the catalog updates topic.
type CatalogEvent struct {
	Type      EventType         `json:"type"`
	Product   *domain.Product   `json:"product,omitempty"`
	ProductID string            `json:"product_id,omitempty"`
	VariantID string            `json:"variant_id,omitempty"`
	Stock     *domain.Inventory `json:"stock,omitempty"`
}

// Target receives decoded catalog changes. *catalog.Index satisfies it.
type Target interface {
	Upsert(p domain.Product) error
	Deactivate(id string) error
	SetStock(productID, variantID string, inv domain.Inventory) error
}

// Store mirrors changes durably; optional.
type Store interface {
	SaveProduct(ctx context.Context, p domain.Product) error
	SetActive(ctx context.Context, id string, active bool) error
	SetStock(ctx context.Context, productID, variantID string, inv domain.Inventory) error
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	target Target
	store  Store
	reader MessageReader
	logger *zap.Logger
}

func NewReader(topic string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "storefront-catalog",
		MaxBytes: 10e6, // 10MB
	})
}

// NewConsumer applies events from reader to target. store may be nil.
func NewConsumer(target Target, store Store, reader MessageReader, logger *zap.Logger) *Consumer {
	return &Consumer{target: target, store: store, reader: reader, logger: logger}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("error closing kafka reader", zap.Error(err))
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.logger.Error("error reading message", zap.Error(err))
		return
	}

	var event CatalogEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		// poison message: commit so it is not redelivered forever
		c.logger.Error("error parsing catalog event", zap.Error(err), zap.Int64("offset", m.Offset))
		c.commit(ctx, m)
		return
	}

	if err := c.Apply(ctx, event); err != nil {
		c.logger.Error("failed to apply catalog event",
			zap.String("type", string(event.Type)),
			zap.String("product_id", event.ProductID),
			zap.Error(err))
	}
	c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Warn("failed to commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

// Apply writes the change to the durable store first, then to the index.
func (c *Consumer) Apply(ctx context.Context, event CatalogEvent) error {
	switch event.Type {
	case EventUpsert:
		if event.Product == nil {
			return fmt.Errorf("upsert event without product")
		}
		p := *event.Product
		if err := p.Validate(); err != nil {
			return err
		}
		if c.store != nil {
			if err := c.store.SaveProduct(ctx, p); err != nil {
				return fmt.Errorf("save product %s: %w", p.ID, err)
			}
		}
		return c.target.Upsert(p)

	case EventDeactivate:
		if c.store != nil {
			if err := c.store.SetActive(ctx, event.ProductID, false); err != nil {
				return fmt.Errorf("deactivate product %s: %w", event.ProductID, err)
			}
		}
		return c.target.Deactivate(event.ProductID)

	case EventStock:
		if event.Stock == nil {
			return fmt.Errorf("stock event for %s without stock", event.ProductID)
		}
		if c.store != nil {
			if err := c.store.SetStock(ctx, event.ProductID, event.VariantID, *event.Stock); err != nil {
				return fmt.Errorf("set stock %s: %w", event.ProductID, err)
			}
		}
		return c.target.SetStock(event.ProductID, event.VariantID, *event.Stock)
	}
	return fmt.Errorf("unknown catalog event type %q", event.Type)
}
