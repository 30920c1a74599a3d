package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops event batches that relays push onto a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
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
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Pop pops one raw message. It returns nil, nil when the block timeout expires.
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

// Push appends a batch to the list.
func (c *Consumer) Push(ctx context.Context, batch models.EventBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	return c.client.RPush(ctx, c.key, body).Err()
}

// Decode parses a message holding either an EventBatch or a single EventRecord.
func Decode(payload []byte) (models.EventBatch, error) {
	payload = bytes.TrimSpace(payload)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.EventBatch{}, fmt.Errorf("decode message: %w", err)
	}
	if _, ok := fields["records"]; ok {
		var batch models.EventBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return models.EventBatch{}, fmt.Errorf("decode batch: %w", err)
		}
		return batch, nil
	}
	var rec models.EventRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return models.EventBatch{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.EventID() == "" {
		return models.EventBatch{}, fmt.Errorf("record has no event id")
	}
	return models.EventBatch{AgentID: rec.Event.AgentID, Records: []models.EventRecord{rec}}, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
