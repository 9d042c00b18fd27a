package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/synthgen/internal/cache"
)

type artifact struct {
	Hash string
	HTML string
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisCacheWithClient(rc, 60), mr
}

func TestRedisCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"empty key fails", "", "x", true},
		{"nil value fails", "k", nil, true},
		{"struct value", "artifact:1", artifact{Hash: "1", HTML: "<html></html>"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got artifact
			require.NoError(t, c.Get(ctx, tt.key, &got))
			require.Equal(t, tt.value, got)
		})
	}
}

func TestRedisCache_Miss(t *testing.T) {
	c, _ := newTestCache(t)
	var out string
	require.ErrorIs(t, c.Get(context.Background(), "absent", &out), cache.ErrMiss)
	require.Error(t, c.Get(context.Background(), "", &out))
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "short", "v", 1))
	require.NoError(t, c.Put(ctx, "long", "v", 10))
	mr.FastForward(2 * time.Second)

	var out string
	require.ErrorIs(t, c.Get(ctx, "short", &out), cache.ErrMiss)
	require.NoError(t, c.Get(ctx, "long", &out))
	require.Equal(t, "v", out)
}

func TestRedisCache_BackendError(t *testing.T) {
	c, mr := newTestCache(t)
	mr.SetError("ERR injected failure")
	defer mr.SetError("")

	var out string
	err := c.Get(context.Background(), "k", &out)
	require.Error(t, err)
	require.NotErrorIs(t, err, cache.ErrMiss)
	require.Error(t, c.Put(context.Background(), "k", "v", 1))
}
