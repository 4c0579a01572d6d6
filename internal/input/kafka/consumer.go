package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config configures the Kafka event consumer.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads raw events from a topic; offsets are committed by the consumer group.
type Consumer struct {
	r       messageReader
	maxWait time.Duration
}

// NewConsumer creates a consumer-group reader.
func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "threatscope"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        cfg.MaxWait,
	})
	return &Consumer{r: r, maxWait: cfg.MaxWait}, nil
}

// Pop reads one message. It returns nil, nil when no message arrives within MaxWait.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()
	msg, err := c.r.ReadMessage(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	return msg.Value, nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.r.Close()
}
