package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Receive defaults. SQS caps a single receive at 10 messages and 20s of waiting.
const (
	DefaultMaxMessages = 10
	DefaultWaitTime    = 5 * time.Second
	receiveErrorDelay  = 2 * time.Second
)

// Handler processes one task body. A nil return acknowledges the message.
type Handler func(ctx context.Context, msg Message) error

// Receiver is the subset of *Client a Consumer needs.
type Receiver interface {
	Receive(ctx context.Context, queueName string, max int32, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, queueName, receiptHandle string) error
}

var _ Receiver = (*Client)(nil)

// Consumer long-polls one queue and hands each message to a Handler.
type Consumer struct {
	recv     Receiver
	max      int32
	wait     time.Duration
	errDelay time.Duration
	logger   *slog.Logger
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithWaitTime sets the long-poll wait per receive.
func WithWaitTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.wait = d }
}

// WithErrorDelay sets the pause after a failed receive.
func WithErrorDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.errDelay = d }
}

// WithLogger sets the consumer's logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

func NewConsumer(recv Receiver, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		recv:     recv,
		max:      DefaultMaxMessages,
		wait:     DefaultWaitTime,
		errDelay: receiveErrorDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "queue")
	return c
}

// Run polls queueName until ctx is cancelled. Messages whose handler fails
// stay in the queue and reappear after their visibility timeout.
func (c *Consumer) Run(ctx context.Context, queueName string, h Handler) error {
	log := c.logger.With("queue", queueName)
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.recv.Receive(ctx, queueName, c.max, c.wait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("receive failed", "error", err)
			if !sleep(ctx, c.errDelay) {
				return nil
			}
			continue
		}

		// A batch already received finishes even if shutdown starts midway.
		batchCtx := context.WithoutCancel(ctx)
		for _, msg := range msgs {
			c.handle(batchCtx, log, queueName, msg, h)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, log *slog.Logger, queueName string, msg Message, h Handler) {
	if err := h(ctx, msg); err != nil {
		log.Warn("task failed, leaving for redelivery", "error", err,
			"message_id", msg.ID, "idempotency_key", msg.IdempotencyKey)
		return
	}
	if err := c.recv.Delete(ctx, queueName, msg.ReceiptHandle); err != nil {
		log.Error("delete failed", "error", err, "message_id", msg.ID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
