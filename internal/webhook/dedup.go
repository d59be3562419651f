package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// DedupStore remembers processed webhook event ids so provider
// redeliveries of already-applied events are dropped.
type DedupStore interface {
	// Register marks an event id as seen. False means it was seen before.
	Register(ctx context.Context, id string) (bool, error)
	// Release forgets an event id so its redelivery is processed again.
	Release(ctx context.Context, id string) error
}

// RedisDedup is the redis-backed DedupStore, keyed per event id with a TTL
// covering the provider's redelivery window.
type RedisDedup struct {
	client *redis.Client
}

func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func (d *RedisDedup) Register(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, "pulse:webhook:"+id, "1", dedupTTL).Result()
}

func (d *RedisDedup) Release(ctx context.Context, id string) error {
	return d.client.Del(ctx, "pulse:webhook:"+id).Err()
}

var _ DedupStore = (*RedisDedup)(nil)
