package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis event consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	DeadKey      string
	BlockTimeout time.Duration
}

// Consumer pops events from a Redis list and parks rejected ones on a dead-letter list.
type Consumer struct {
	client       *redis.Client
	key          string
	deadKey      string
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.DeadKey == "" {
		cfg.DeadKey = cfg.Key + ":dead"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		deadKey:      cfg.DeadKey,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Pop pops one message from the list. It returns nil, nil when the block timeout expires.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Push appends raw events to the tail of the queue.
func (c *Consumer) Push(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]interface{}, len(payloads))
	for i, p := range payloads {
		vals[i] = string(p)
	}
	return c.client.RPush(ctx, c.key, vals...).Err()
}

type deadLetter struct {
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// DeadLetter records a payload that could not be processed.
func (c *Consumer) DeadLetter(ctx context.Context, payload []byte, reason string) error {
	data, err := json.Marshal(deadLetter{Reason: reason, At: time.Now().UTC(), Payload: string(payload)})
	if err != nil {
		return err
	}
	return c.client.RPush(ctx, c.deadKey, data).Err()
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
