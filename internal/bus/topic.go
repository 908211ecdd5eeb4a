package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/segmentio/kafka-go"
)

// TopicChecker verifies that the timeline topic exists on the cluster.
type TopicChecker struct {
	brokers []string
	topic   string
}

// NewTopicChecker checks cfg.Topic against cfg.Brokers.
func NewTopicChecker(cfg config.KafkaConfig) *TopicChecker {
	return &TopicChecker{brokers: cfg.Brokers, topic: cfg.Topic}
}

// Ping succeeds once any broker reports at least one partition for the
// topic. It fails with every broker's error when none does.
func (c *TopicChecker) Ping(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var errs []error
	for _, addr := range c.brokers {
		err := c.readPartitions(ctx, addr)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("topic %s: %w", c.topic, errors.Join(errs...))
}

func (c *TopicChecker) readPartitions(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	partitions, err := conn.ReadPartitions(c.topic)
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	if len(partitions) == 0 {
		return errors.New("no partitions")
	}
	return nil
}
