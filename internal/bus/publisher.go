// Package bus carries TimelineEvents over Kafka.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"github.com/segmentio/kafka-go"
)

// HeaderEventType carries the event discriminant so consumers can filter
// without decoding the body.
const HeaderEventType = "event_type"

// Writer is the subset of *kafka.Writer used by this package.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher publishes timeline events. Implementations must be safe for concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, event models.TimelineEvent) error
}

// Publisher writes TimelineEvents to the timeline topic, keyed by incident id
// so every event of one incident lands on the same partition.
type Publisher struct {
	writer Writer
}

var _ EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher backed by a kafka.Writer.
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	return NewPublisherWithWriter(newWriter(cfg))
}

// NewPublisherWithWriter wraps an existing Writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

func newWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *Publisher) Publish(ctx context.Context, event models.TimelineEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.EventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.IncidentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s for %s: %w", event.EventType, event.IncidentID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
