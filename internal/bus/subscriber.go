package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/segmentio/kafka-go"
)

// HeaderRedeliveries counts how many times a message went back to the topic tail.
const HeaderRedeliveries = "premortem_redeliveries"

// Handler processes one raw message. Returning an error wrapped with
// Permanent drops the message; any other error triggers a retry.
type Handler func(ctx context.Context, value []byte) error

// Reader is the subset of *kafka.Reader used by this package.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriberOptions tunes retry behaviour.
type SubscriberOptions struct {
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	// MaxElapsed bounds in-place retries before the message is sent back
	// to the topic tail.
	MaxElapsed time.Duration
	// MaxRedeliveries drops a message once it has been sent back this many
	// times. Zero uses the default of 5; a negative value never drops.
	MaxRedeliveries int
	Logger          *slog.Logger
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 30 * time.Second
	}
	if o.MaxRedeliveries == 0 {
		o.MaxRedeliveries = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Subscriber consumes the timeline topic as part of a consumer group.
// Each message is fetched, handled, then committed; a message is never
// committed while its handler can still succeed on retry.
type Subscriber struct {
	reader    Reader
	redeliver Writer
	opts      SubscriberOptions
	logger    *slog.Logger
}

// NewSubscriber creates a Subscriber on cfg.Topic in consumer group cfg.GroupID.
func NewSubscriber(cfg config.KafkaConfig, logger *slog.Logger) *Subscriber {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return NewSubscriberWithReader(reader, newWriter(cfg), SubscriberOptions{
		MaxElapsed:      cfg.RetryMaxElapsed,
		MaxRedeliveries: cfg.MaxRedeliveries,
		Logger:          logger,
	})
}

// NewSubscriberWithReader wires an existing Reader and redelivery Writer.
func NewSubscriberWithReader(reader Reader, redeliver Writer, opts SubscriberOptions) *Subscriber {
	opts = opts.withDefaults()
	return &Subscriber{
		reader:    reader,
		redeliver: redeliver,
		opts:      opts,
		logger:    opts.Logger.With("component", "bus"),
	}
}

// Run consumes until ctx is cancelled or the reader is closed.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("fetch failed", "error", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !s.process(ctx, msg, h) {
			// Shutting down mid-message; leave it uncommitted for the next consumer.
			return nil
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("commit failed", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// process handles msg and reports whether it may be committed.
func (s *Subscriber) process(ctx context.Context, msg kafka.Message, h Handler) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialInterval
	policy.MaxElapsedTime = s.opts.MaxElapsed

	err := backoff.Retry(func() error {
		err := h(ctx, msg.Value)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
		return true
	case IsPermanent(err):
		s.logger.Warn("dropping message", "error", err,
			"partition", msg.Partition, "offset", msg.Offset)
		return true
	case ctx.Err() != nil:
		return false
	}

	attempts := redeliveries(msg) + 1
	if s.opts.MaxRedeliveries > 0 && attempts > s.opts.MaxRedeliveries {
		s.logger.Error("dropping message after redeliveries", "error", err,
			"redeliveries", attempts-1, "partition", msg.Partition, "offset", msg.Offset)
		return true
	}

	s.logger.Warn("handler failed, redelivering to topic tail", "error", err,
		"redeliveries", attempts, "partition", msg.Partition, "offset", msg.Offset)
	return s.sendToTail(ctx, msg, attempts)
}

// sendToTail re-produces msg until it succeeds or ctx ends.
func (s *Subscriber) sendToTail(ctx context.Context, msg kafka.Message, attempts int) bool {
	out := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: withRedeliveries(msg.Headers, attempts),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := s.redeliver.WriteMessages(ctx, out)
		if err != nil {
			s.logger.Error("redelivery failed", "error", err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	return err == nil
}

// Close stops the reader and the redelivery writer.
func (s *Subscriber) Close() error {
	return errors.Join(s.reader.Close(), s.redeliver.Close())
}

func redeliveries(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key == HeaderRedeliveries {
			n, err := strconv.Atoi(string(h.Value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func withRedeliveries(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != HeaderRedeliveries {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: HeaderRedeliveries, Value: []byte(strconv.Itoa(n))})
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
