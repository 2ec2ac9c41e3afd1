package order

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// OutboxPoller publishes unprocessed outbox events and marks them processed.
// Delivery is at-least-once: an event whose mark fails is published again.
type OutboxPoller struct {
	tick      time.Duration
	batchSize int
	store     OutboxStore
	writer    MessageWriter
	logger    *zap.Logger
}

func NewOutboxPoller(store OutboxStore, writer MessageWriter, logger *zap.Logger) *OutboxPoller {
	return &OutboxPoller{
		tick:      time.Second,
		batchSize: 100,
		store:     store,
		writer:    writer,
		logger:    logger,
	}
}

// Run polls until ctx is done.
func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

// processUnpublishedEvents returns how many events were published and marked.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.store.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	done := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.logger.Warn("failed to publish outbox event",
				zap.Int("event_id", event.ID), zap.Error(err))
			// keep per-aggregate order: later events wait for the next tick
			return done
		}

		if err := p.store.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.Error("failed to mark outbox event as processed",
				zap.Int("event_id", event.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done
}

func (p *OutboxPoller) publish(ctx context.Context, event *OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
