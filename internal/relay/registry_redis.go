package relay

import (
	"context"
	"fmt"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares reservations between relay replicas.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) key(id string) string {
	return fmt.Sprintf("relay:identity:%s", id)
}

func (r *RedisRegistry) Reserve(ctx context.Context, id string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, r.key(id), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve %s: %w", id, err)
	}
	if !ok {
		return transport.ErrIdentityTaken
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}
