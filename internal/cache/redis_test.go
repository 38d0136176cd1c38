package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

func newTestRedisCache(t *testing.T) (*redisCache, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)

	cfg := &config.CacheConfig{
		Enabled: true,
		Type:    TypeRedis,
		TTL:     config.Duration(time.Minute),
		Redis: config.RedisConfig{
			Addr:      srv.Addr(),
			KeyPrefix: "test:",
		},
	}

	c, err := newRedisCache(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, srv
}

func TestRedisCacheSetGet(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

	val, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	_, err = c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	t.Parallel()

	c, srv := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

	assert.True(t, srv.Exists("test:k1"),
		"stored keys must carry the configured prefix")
}

func TestRedisCacheTTL(t *testing.T) {
	t.Parallel()

	c, srv := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

	// Advance the server clock past the TTL.
	srv.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheDelete(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k1"))

	_, err := c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheUnreachable(t *testing.T) {
	t.Parallel()

	cfg := &config.CacheConfig{
		Enabled: true,
		Type:    TypeRedis,
		Redis: config.RedisConfig{
			Addr:    "127.0.0.1:1",
			Timeout: config.Duration(100 * time.Millisecond),
		},
	}

	_, err := newRedisCache(cfg, observability.NopLogger())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}
