package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/cache"
	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
)

type RedisCache struct {
	client *redis.Client
	ttl    int
}

// NewRedisCache stores values on client with the configured default TTL.
// The client belongs to the caller, so ShutDown leaves it open.
func NewRedisCache(client *redis.Client) (cache.Cache, error) {
	cfg, err := config.GetRedisConfig()
	if err != nil {
		return nil, err
	}
	return NewRedisCacheWithClient(client, cfg.TTL), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl int) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Set(ctx, key, b, time.Duration(ttl)*time.Second).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/Get")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.ErrMiss
	}
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(val, value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisCache) ShutDown(ctx context.Context) {}
