package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, string) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	r := NewRedis(client, WithTimeout(time.Second))
	require.NoError(t, r.Load(ctx))
	return r, fmt.Sprintf("it_test_%d:", time.Now().UnixNano())
}

func TestRedis_Integration(t *testing.T) {
	r, prefix := newTestRedis(t)
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, ok, err := r.Get(ctx, prefix+"missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetNXThenDecr", func(t *testing.T) {
		key := prefix + "bucket"
		ok, err := r.SetNX(ctx, key, "5", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := r.Decr(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		ok, err = r.SetNX(ctx, key, "5", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err = r.Incr(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		ttl, ok, err := r.TTL(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("TTLWithoutExpiry", func(t *testing.T) {
		key := prefix + "tier"
		require.NoError(t, r.Set(ctx, key, "pro", 0))
		_, ok, err := r.TTL(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = r.Incr(ctx, key)
		assert.ErrorIs(t, err, ErrNotInteger)
	})

	t.Run("TakeToken", func(t *testing.T) {
		key := prefix + "take"
		for want := int64(1); want >= 0; want-- {
			take, err := r.TakeToken(ctx, key, 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, take.Allowed)
			assert.Equal(t, want, take.Remaining)
			assert.Greater(t, take.TTL, time.Duration(0))
		}
		take, err := r.TakeToken(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, take.Allowed)
		assert.Equal(t, int64(0), take.Remaining)
	})
}
