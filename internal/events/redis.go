package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey is the capped stream holding every event
	StreamKey = "matrix:events"

	defaultStreamMaxLen = 10000
)

// ChannelFor returns the pub/sub channel carrying events for identity
func ChannelFor(identity string) string {
	return StreamKey + ":" + identity
}

// RedisPublisher appends events to a capped stream and publishes them on a
// per-identity channel.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewRedisPublisher creates a publisher. maxLen <= 0 uses the default cap.
func NewRedisPublisher(client *redis.Client, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// Publish writes e to the stream and the identity channel in one pipeline
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     e.Type,
			"identity": e.Identity,
			"payload":  payload,
		},
	})
	pipe.Publish(ctx, ChannelFor(e.Identity), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
