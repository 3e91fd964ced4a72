package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/warp/settlement-engine/ledger"
)

// RedisPublisher publishes every event as a JSON Message on one channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

var _ ledger.EventNotifier = (*RedisPublisher)(nil)

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event string, payload any) error {
	msg, _, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, p.channel, err)
	}
	return nil
}
