// Package queue sends and receives pipeline tasks on SQS queues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

// Message attribute names set on every task.
const (
	AttrEventType      = "event_type"
	AttrIdempotencyKey = "idempotency_key"
)

const fifoSuffix = ".fifo"

// ErrQueueNotFound is returned when a queue name does not resolve to a URL.
var ErrQueueNotFound = errors.New("queue not found")

// API is the subset of the SQS client used by this package.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Sender enqueues timeline events as tasks.
type Sender interface {
	Send(ctx context.Context, queueName string, event models.TimelineEvent, opts SendOptions) error
}

// SendOptions carries per-message delivery metadata.
type SendOptions struct {
	// DedupKey is stored as a message attribute and, on FIFO queues, as the
	// deduplication id.
	DedupKey string
	// GroupID orders messages on FIFO queues. Defaults to the incident id.
	GroupID string
}

// Message is one received task.
type Message struct {
	ID             string
	Body           []byte
	ReceiptHandle  string
	IdempotencyKey string
}

// Client wraps SQS with queue-name resolution.
type Client struct {
	api  API
	fifo bool

	mu   sync.RWMutex
	urls map[string]string
}

var _ Sender = (*Client)(nil)

// New builds a Client from the default AWS credential chain, overridden by
// static keys and a custom endpoint when configured.
func New(ctx context.Context, cfg config.SQSConfig) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewClient(api, cfg.FIFO), nil
}

// NewClient wraps an existing API implementation.
func NewClient(api API, fifo bool) *Client {
	return &Client{api: api, fifo: fifo, urls: make(map[string]string)}
}

// QueueURL resolves and caches the URL for a logical queue name.
func (c *Client) QueueURL(ctx context.Context, queueName string) (string, error) {
	name := c.physicalName(queueName)

	c.mu.RLock()
	url, ok := c.urls[name]
	c.mu.RUnlock()
	if ok {
		return url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		var notFound *types.QueueDoesNotExist
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return "", fmt.Errorf("resolve queue %s: %w", name, err)
	}
	url = aws.ToString(out.QueueUrl)

	c.mu.Lock()
	c.urls[name] = url
	c.mu.Unlock()
	return url, nil
}

// Send enqueues event as a JSON task on queueName.
func (c *Client) Send(ctx context.Context, queueName string, event models.TimelineEvent, opts SendOptions) error {
	url, err := c.QueueURL(ctx, queueName)
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s task: %w", event.EventType, err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttrEventType: stringAttr(string(event.EventType)),
		},
	}
	if opts.DedupKey != "" {
		in.MessageAttributes[AttrIdempotencyKey] = stringAttr(opts.DedupKey)
	}
	if c.fifo {
		group := opts.GroupID
		if group == "" {
			group = event.IncidentID
		}
		in.MessageGroupId = aws.String(group)
		if opts.DedupKey != "" {
			in.MessageDeduplicationId = aws.String(dedupID(opts.DedupKey))
		}
	}

	if _, err := c.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send to %s: %w", queueName, err)
	}
	return nil
}

// Receive long-polls up to max messages, waiting at most wait for the first.
func (c *Client) Receive(ctx context.Context, queueName string, max int32, wait time.Duration) ([]Message, error) {
	url, err := c.QueueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{AttrEventType, AttrIdempotencyKey},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueName, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if attr, ok := m.MessageAttributes[AttrIdempotencyKey]; ok {
			msg.IdempotencyKey = aws.ToString(attr.StringValue)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete acknowledges a received message.
func (c *Client) Delete(ctx context.Context, queueName, receiptHandle string) error {
	url, err := c.QueueURL(ctx, queueName)
	if err != nil {
		return err
	}

	_, err = c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", queueName, err)
	}
	return nil
}

func (c *Client) physicalName(queueName string) string {
	if c.fifo && !strings.HasSuffix(queueName, fifoSuffix) {
		return queueName + fifoSuffix
	}
	return queueName
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// dedupID fits a key into SQS's 128-character deduplication id limit.
func dedupID(key string) string {
	if len(key) <= 128 {
		return key
	}
	return key[:128]
}
