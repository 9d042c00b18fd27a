package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/cache"
	"github.com/ssuji15/synthgen/internal/component/jetstream"
	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
)

// JetStreamCacheClient keeps artifacts in a NATS object store bucket. Object
// store entries expire with the bucket TTL, so the per call ttl is ignored.
type JetStreamCacheClient struct {
	connection *nats.Conn
	bucket     nats.ObjectStore
	ttl        int
}

var (
	jcc       *JetStreamCacheClient
	once      sync.Once
	initError error
)

func NewJetStreamCacheClient() (cache.Cache, error) {
	once.Do(func() {
		nc, err := jetstream.NewJetStreamClient()
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		store, err := createOrGetObjectStore(js, cfg.BUCKET_NAME, cfg.TTL, cfg.BUCKET_SIZE_BYTES)
		if err != nil {
			initError = err
			return
		}
		jcc = &JetStreamCacheClient{
			connection: nc,
			bucket:     store,
			ttl:        cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return jcc, nil
}

func (j *JetStreamCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	ctx, span := tracer.GetTracer().Start(ctx, "Nats/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
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
	if _, err := j.bucket.PutBytes(key, b, nats.Context(ctx)); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	ctx, span := tracer.GetTracer().Start(ctx, "Nats/Get")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	b, err := j.bucket.GetBytes(key, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return cache.ErrMiss
	}
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(b, value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) GetDefaultTTL() int {
	return j.ttl
}

func createOrGetObjectStore(js nats.JetStreamContext, bucket string, ttlSeconds int, bucketSizeBytes int) (nats.ObjectStore, error) {
	store, err := js.ObjectStore(bucket)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("error retrieving nats bucket instance: %v", err)
	}
	store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "rendered synthetic artifacts",
		TTL:         time.Duration(ttlSeconds) * time.Second,
		MaxBytes:    int64(bucketSizeBytes),
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create nats bucket: %v", err)
	}
	return store, nil
}

// ShutDown drains the shared connection and waits for it to close or for ctx.
func (j *JetStreamCacheClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	j.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := j.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
	}

	select {
	case <-done:
	case <-ctx.Done():
		j.connection.Close()
	}
	jetstream.ResetJetStreamClient()
}
