package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel prefix events are published under.
const DefaultChannel = "aura:events"

// RedisPublisher publishes every event on the prefix channel and on a
// per-type channel, e.g. "aura:events" and "aura:events:trade".
type RedisPublisher struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a publisher. An empty prefix uses DefaultChannel.
func NewRedisPublisher(rdb redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the per-type channel name for t.
func (p *RedisPublisher) Channel(t Type) string {
	return p.prefix + ":" + string(t)
}

// Publish sends evs in one pipeline round trip.
func (p *RedisPublisher) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	pipe := p.rdb.Pipeline()
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", ev.Type, err)
		}
		pipe.Publish(ctx, p.prefix, data)
		pipe.Publish(ctx, p.Channel(ev.Type), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}
