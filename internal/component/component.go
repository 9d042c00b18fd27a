package component

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ssuji15/synthgen/internal/cache"
	"github.com/ssuji15/synthgen/internal/cache/freecache"
	"github.com/ssuji15/synthgen/internal/cache/jetstream"
	"github.com/ssuji15/synthgen/internal/cache/redis"
	cr "github.com/ssuji15/synthgen/internal/component/redis"
	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/queue"
	jq "github.com/ssuji15/synthgen/internal/queue/jetstream"
	"github.com/ssuji15/synthgen/internal/storage"
	"github.com/ssuji15/synthgen/internal/storage/minio"
	wr "github.com/ssuji15/synthgen/internal/workqueue/redis"
)

// GetCache builds the artifact cache. The redis cache runs on rc, which must
// be non-nil when cacheType is "redis".
func GetCache(cacheType string, rc *goredis.Client) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		if rc == nil {
			return nil, errors.New("redis cache requires a redis client")
		}
		return redis.NewRedisCache(rc)
	case "jetstream":
		return jetstream.NewJetStreamCacheClient()
	default:
		return freecache.NewFreeCache()
	}
}

// GetEvents returns the artifact/queue event publisher. "none" discards events.
func GetEvents(eventsType string) (queue.Queue, error) {
	switch eventsType {
	case "jetstream":
		return jq.NewJetStreamQueueClient()
	default:
		return queue.Nop{}, nil
	}
}

// GetStorage returns nil when artifacts should not be archived.
func GetStorage(ctx context.Context, storageType string) (storage.Storage, error) {
	switch storageType {
	case "minio":
		return minio.NewMinioClient(ctx)
	default:
		return nil, nil
	}
}

// GetRedisClient dials the redis server named by the environment.
func GetRedisClient(ctx context.Context) (*goredis.Client, error) {
	cfg, err := config.GetRedisConfig()
	if err != nil {
		return nil, err
	}
	return cr.NewClient(ctx, cfg)
}

// GetWorkQueue returns the work queue on rc. Closing rc is left to the caller.
func GetWorkQueue(rc *goredis.Client) *wr.Store {
	return wr.NewStoreWithClient(config.GetWorkQueueConfig(), rc)
}
