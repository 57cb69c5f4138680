// Package events publishes purchase lifecycle events for downstream
// consumers (course access provisioning, VIP group invites).
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// TypePurchaseCompleted is the event_type header of a paid purchase.
const TypePurchaseCompleted = "purchase.completed"

// Message is one event. Key orders messages per checkout session.
type Message struct {
	Key     string
	Type    string
	Payload []byte // JSON
}

// Publisher is the interface the outbox worker uses to emit events.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// ─── KAFKA ────────────────────────────────────────────────────────────────────

// KafkaPublisher writes events to a single Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes msg synchronously. Delivery is at-least-once: the outbox
// retries on error, so consumers must dedupe on the key.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("events: publish %s: %w", msg.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(msg Message) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Type)},
		},
	}
}

// ─── LOG ONLY ─────────────────────────────────────────────────────────────────

// LogPublisher records events in the log instead of a broker. Used when no
// brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event and never fails.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.logger.Info("events: published (log only)",
		"type", msg.Type,
		"key", msg.Key,
		"bytes", len(msg.Payload),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
