//go:build integration

package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, rdb.Ping(ctx).Err(), "redis is not reachable")
	return rdb
}

func TestRedisRegistry_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	require.NoError(t, rdb.FlushDB(ctx).Err())

	reg := NewRedisRegistry(rdb)
	require.NoError(t, reg.Reserve(ctx, "bpm-it0001", time.Minute))
	require.ErrorIs(t, reg.Reserve(ctx, "bpm-it0001", time.Minute), transport.ErrIdentityTaken)

	// a second replica sees the same reservation
	other := NewRedisRegistry(newRedisClient(t))
	require.ErrorIs(t, other.Reserve(ctx, "bpm-it0001", time.Minute), transport.ErrIdentityTaken)

	require.NoError(t, reg.Release(ctx, "bpm-it0001"))
	require.NoError(t, other.Reserve(ctx, "bpm-it0001", time.Minute))
}

func TestRedisRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	require.NoError(t, rdb.FlushDB(ctx).Err())

	reg := NewRedisRegistry(rdb)
	require.NoError(t, reg.Reserve(ctx, "bpm-it0002", 200*time.Millisecond))
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, reg.Reserve(ctx, "bpm-it0002", time.Minute))
}
