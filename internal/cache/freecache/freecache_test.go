package freecache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/synthgen/internal/cache"
)

func resetFreeCacheForTest() {
	fcc = nil
	initError = nil
	once = sync.Once{}
}

type artifact struct {
	Hash string
	HTML string
}

func newTestCache(t *testing.T, ttl string) cache.Cache {
	t.Helper()
	resetFreeCacheForTest()
	t.Setenv("FREECACHE_TTL", ttl)
	t.Setenv("FREECACHE_SIZE", "1048576")
	c, err := NewFreeCache()
	require.NoError(t, err)
	return c
}

func TestFreeCache_Put(t *testing.T) {
	c := newTestCache(t, "5")
	ctx := context.Background()

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"empty key fails", "", "value", true},
		{"nil value fails", "nil_value", nil, true},
		{"string value succeeds", "artifact:abc", "<html></html>", false},
		{"struct value succeeds", "artifact:def", artifact{Hash: "def", HTML: "<p>hi</p>"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFreeCache_Get(t *testing.T) {
	c := newTestCache(t, "5")
	ctx := context.Background()

	want := artifact{Hash: "def", HTML: "<p>hi</p>"}
	require.NoError(t, c.Put(ctx, "artifact:def", want, c.GetDefaultTTL()))
	require.NoError(t, c.Put(ctx, "plain", "alice", c.GetDefaultTTL()))

	var got artifact
	require.NoError(t, c.Get(ctx, "artifact:def", &got))
	require.Equal(t, want, got)

	var s string
	require.NoError(t, c.Get(ctx, "plain", &s))
	require.Equal(t, "alice", s)

	require.ErrorIs(t, c.Get(ctx, "missing", &s), cache.ErrMiss)
	require.Error(t, c.Get(ctx, "", &s))

	// wrong destination type
	var n int
	require.Error(t, c.Get(ctx, "artifact:def", &n))
}

func TestFreeCache_TTL(t *testing.T) {
	c := newTestCache(t, "2")
	ctx := context.Background()

	tests := []struct {
		name       string
		key        string
		ttlSeconds int
		expectMiss bool
	}{
		{"short ttl expires", "short", 1, true},
		{"long ttl survives", "long", 5, false},
	}

	for _, tt := range tests {
		require.NoError(t, c.Put(ctx, tt.key, "v", tt.ttlSeconds))
	}
	time.Sleep(2 * time.Second)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out string
			err := c.Get(ctx, tt.key, &out)
			if tt.expectMiss {
				require.ErrorIs(t, err, cache.ErrMiss)
			} else {
				require.NoError(t, err)
				require.Equal(t, "v", out)
			}
		})
	}
}

func TestFreeCache_ShutDownClears(t *testing.T) {
	c := newTestCache(t, "5")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key1", "value1", c.GetDefaultTTL()))
	c.ShutDown(ctx)

	var out string
	require.ErrorIs(t, c.Get(ctx, "key1", &out), cache.ErrMiss)
}

func TestNewFreeCache(t *testing.T) {
	tests := []struct {
		name      string
		ttlEnv    string
		sizeEnv   string
		expectErr bool
	}{
		{"valid env initializes cache", "5", "1024", false},
		{"missing ttl returns error", "", "1024", true},
		{"missing size returns error", "5", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFreeCacheForTest()
			os.Unsetenv("FREECACHE_TTL")
			os.Unsetenv("FREECACHE_SIZE")
			if tt.ttlEnv != "" {
				t.Setenv("FREECACHE_TTL", tt.ttlEnv)
			}
			if tt.sizeEnv != "" {
				t.Setenv("FREECACHE_SIZE", tt.sizeEnv)
			}

			c, err := NewFreeCache()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			c2, _ := NewFreeCache()
			require.Same(t, c, c2)
		})
	}
}
