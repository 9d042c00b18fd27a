//go:build integration
// +build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/synthgen/internal/cache"
	cr "github.com/ssuji15/synthgen/internal/component/redis"
	"github.com/ssuji15/synthgen/internal/config"
	tredis "github.com/ssuji15/synthgen/tests/integration_test/infra/redis"
)

var (
	redisContainer testcontainers.Container
	REDIS_ENDPOINT string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	redisContainer, REDIS_ENDPOINT = tredis.SetupContainer(ctx)
	code := m.Run()
	_ = redisContainer.Terminate(ctx)
	os.Exit(code)
}

func setRedisEnv() {
	os.Setenv("REDIS_ENDPOINT", REDIS_ENDPOINT)
	os.Setenv("REDIS_TTL", "2")
}

func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	cfg, err := config.GetRedisConfig()
	require.NoError(t, err)
	client, err := cr.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRedisCache(t *testing.T) {
	tests := []struct {
		name      string
		unsetEnv  string
		badTTL    bool
		expectErr bool
	}{
		{"all env set succeeds", "", false, false},
		{"missing REDIS_ENDPOINT fails", "REDIS_ENDPOINT", false, true},
		{"invalid ttl fails", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRedisEnv()
			client := newClient(t)
			if tt.unsetEnv != "" {
				os.Unsetenv(tt.unsetEnv)
			}
			if tt.badTTL {
				os.Setenv("REDIS_TTL", "invalidTTL")
			}

			c, err := NewRedisCache(client)
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 2, c.GetDefaultTTL())
		})
	}
}

func TestRedisCache_RoundTripAndExpiry(t *testing.T) {
	setRedisEnv()
	ctx := context.Background()

	c, err := NewRedisCache(newClient(t))
	require.NoError(t, err)

	want := artifact{Hash: "abc", HTML: "<html><body>plot</body></html>"}
	require.NoError(t, c.Put(ctx, "artifact:abc", want, c.GetDefaultTTL()))

	var got artifact
	require.NoError(t, c.Get(ctx, "artifact:abc", &got))
	require.Equal(t, want, got)

	time.Sleep(3 * time.Second)
	require.ErrorIs(t, c.Get(ctx, "artifact:abc", &got), cache.ErrMiss)
}
