package nickname

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the nickname between machines of the same player.
type RedisStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, player string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, key: fmt.Sprintf("nickname:%s", player), ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	val, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load nickname: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Save(ctx context.Context, nick string) error {
	nick, err := normalize(nick)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, nick, s.ttl).Err(); err != nil {
		return fmt.Errorf("save nickname: %w", err)
	}
	return nil
}
