package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/premortem/internal/bus"
	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// fakeReader serves queued messages, then returns io.EOF as a closed reader does.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

func fastOptions() bus.SubscriberOptions {
	return bus.SubscriberOptions{
		InitialInterval: time.Millisecond,
		MaxElapsed:      20 * time.Millisecond,
		MaxRedeliveries: 2,
	}
}

func detectionEvent() models.TimelineEvent {
	return models.NewTimelineEvent("t1", "inc_0123456789abcdef", &models.IncidentDetectedPayload{
		ErrorSignature: "sig",
		Service:        "checkout",
		ErrorType:      "TypeError",
		ErrorValue:     "boom",
		SpikeCount:     12,
		WindowMinutes:  5,
	})
}

// --- Publisher ---

func TestPublish_KeyedByIncident(t *testing.T) {
	w := &fakeWriter{}
	p := bus.NewPublisherWithWriter(w)

	event := detectionEvent()
	require.NoError(t, p.Publish(context.Background(), event))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("inc_0123456789abcdef"), msgs[0].Key)
	assert.Equal(t, bus.HeaderEventType, msgs[0].Headers[0].Key)
	assert.Equal(t, "IncidentDetected", string(msgs[0].Headers[0].Value))

	decoded, err := models.DecodeTimelineEvent(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, event.IncidentID, decoded.IncidentID)
	assert.Equal(t, event.Payload, decoded.Payload)
}

func TestPublish_WriterError(t *testing.T) {
	w := &fakeWriter{failures: 1}
	p := bus.NewPublisherWithWriter(w)

	err := p.Publish(context.Background(), detectionEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, bus.NewPublisherWithWriter(w).Close())
	assert.True(t, w.closed)
}

// --- Permanent ---

func TestPermanent(t *testing.T) {
	base := errors.New("bad json")
	err := bus.Permanent(base)

	assert.True(t, bus.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, bus.IsPermanent(fmt.Errorf("route: %w", err)))
	assert.False(t, bus.IsPermanent(base))
	assert.NoError(t, bus.Permanent(nil))
}

// --- Subscriber ---

func TestRun_HandlesAndCommits(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte("a")},
		{Offset: 2, Value: []byte("b")},
	}}
	sub := bus.NewSubscriberWithReader(reader, &fakeWriter{}, fastOptions())

	var seen []string
	err := sub.Run(context.Background(), func(_ context.Context, value []byte) error {
		seen = append(seen, string(value))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Len(t, reader.commits(), 2)
}

func TestRun_PermanentErrorCommitsWithoutRetry(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte("{")}}}
	redeliver := &fakeWriter{}
	sub := bus.NewSubscriberWithReader(reader, redeliver, fastOptions())

	var calls int32
	err := sub.Run(context.Background(), func(_ context.Context, value []byte) error {
		atomic.AddInt32(&calls, 1)
		return bus.Permanent(errors.New("malformed"))
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, reader.commits(), 1)
	assert.Empty(t, redeliver.written())
}

func TestRun_TransientErrorRetriesInPlace(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte("a")}}}
	redeliver := &fakeWriter{}
	opts := fastOptions()
	opts.MaxElapsed = time.Second
	sub := bus.NewSubscriberWithReader(reader, redeliver, opts)

	var calls int32
	err := sub.Run(context.Background(), func(_ context.Context, _ []byte) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("queue unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, reader.commits(), 1)
	assert.Empty(t, redeliver.written())
}

func TestRun_ExhaustedRetriesRedeliverToTail(t *testing.T) {
	original := kafka.Message{
		Offset:  7,
		Key:     []byte("inc_1"),
		Value:   []byte("payload"),
		Headers: []kafka.Header{{Key: bus.HeaderEventType, Value: []byte("ContextBuilt")}},
	}
	reader := &fakeReader{queue: []kafka.Message{original}}
	redeliver := &fakeWriter{}
	sub := bus.NewSubscriberWithReader(reader, redeliver, fastOptions())

	err := sub.Run(context.Background(), func(_ context.Context, _ []byte) error {
		return errors.New("queue unavailable")
	})
	require.NoError(t, err)

	// Committed only after the copy reached the topic tail.
	assert.Len(t, reader.commits(), 1)
	msgs := redeliver.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, original.Key, msgs[0].Key)
	assert.Equal(t, original.Value, msgs[0].Value)
	assert.Contains(t, msgs[0].Headers, kafka.Header{Key: bus.HeaderEventType, Value: []byte("ContextBuilt")})
	assert.Contains(t, msgs[0].Headers, kafka.Header{Key: bus.HeaderRedeliveries, Value: []byte("1")})
}

func TestRun_RedeliveryRetriesUntilWritten(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte("a")}}}
	redeliver := &fakeWriter{failures: 2}
	sub := bus.NewSubscriberWithReader(reader, redeliver, fastOptions())

	err := sub.Run(context.Background(), func(_ context.Context, _ []byte) error {
		return errors.New("queue unavailable")
	})
	require.NoError(t, err)

	assert.Len(t, redeliver.written(), 1)
	assert.Len(t, reader.commits(), 1)
}

func TestRun_DropsAfterMaxRedeliveries(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{
		Offset:  1,
		Value:   []byte("a"),
		Headers: []kafka.Header{{Key: bus.HeaderRedeliveries, Value: []byte("2")}},
	}}}
	redeliver := &fakeWriter{}
	sub := bus.NewSubscriberWithReader(reader, redeliver, fastOptions())

	err := sub.Run(context.Background(), func(_ context.Context, _ []byte) error {
		return errors.New("still failing")
	})
	require.NoError(t, err)

	assert.Empty(t, redeliver.written())
	assert.Len(t, reader.commits(), 1)
}

func TestRun_NegativeMaxRedeliveriesNeverDrops(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{
		Offset:  1,
		Value:   []byte("a"),
		Headers: []kafka.Header{{Key: bus.HeaderRedeliveries, Value: []byte("50")}},
	}}}
	redeliver := &fakeWriter{}
	opts := fastOptions()
	opts.MaxRedeliveries = -1
	sub := bus.NewSubscriberWithReader(reader, redeliver, opts)

	err := sub.Run(context.Background(), func(_ context.Context, _ []byte) error {
		return errors.New("still failing")
	})
	require.NoError(t, err)

	msgs := redeliver.written()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Headers, kafka.Header{Key: bus.HeaderRedeliveries, Value: []byte("51")})
	assert.Len(t, reader.commits(), 1)
}

func TestRun_CancelledContextLeavesMessageUncommitted(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte("a")}}}
	redeliver := &fakeWriter{}
	opts := fastOptions()
	opts.MaxElapsed = time.Minute
	sub := bus.NewSubscriberWithReader(reader, redeliver, opts)

	ctx, cancel := context.WithCancel(context.Background())
	err := sub.Run(ctx, func(_ context.Context, _ []byte) error {
		cancel()
		return errors.New("interrupted")
	})
	require.NoError(t, err)

	assert.Empty(t, reader.commits())
	assert.Empty(t, redeliver.written())
}

func TestSubscriber_Close(t *testing.T) {
	reader := &fakeReader{}
	redeliver := &fakeWriter{}
	sub := bus.NewSubscriberWithReader(reader, redeliver, fastOptions())

	require.NoError(t, sub.Close())
	assert.True(t, reader.closed)
	assert.True(t, redeliver.closed)
}

func TestPublishedEventIsSingleLineJSON(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, bus.NewPublisherWithWriter(w).Publish(context.Background(), detectionEvent()))

	value := w.written()[0].Value
	assert.NotContains(t, string(value), "\n")
	assert.True(t, json.Valid(value))
}

// --- TopicChecker ---

func TestTopicChecker_UnreachableBroker(t *testing.T) {
	checker := bus.NewTopicChecker(config.KafkaConfig{
		Brokers: []string{"127.0.0.1:1"},
		Topic:   models.TimelineTopic,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := checker.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.TimelineTopic)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestTopicChecker_NoBrokers(t *testing.T) {
	checker := bus.NewTopicChecker(config.KafkaConfig{Topic: models.TimelineTopic})

	assert.Error(t, checker.Ping(context.Background()))
}
