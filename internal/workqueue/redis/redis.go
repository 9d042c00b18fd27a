package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/metrics"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/internal/workqueue"
)

// Dialer opens a connected redis client.
type Dialer func(ctx context.Context) (*redis.Client, error)

type Store struct {
	mu     sync.Mutex
	client *redis.Client
	dial   Dialer
	cfg    config.WorkQueueConfig
	// borrowed clients are closed by whoever built them
	borrowed bool
}

func NewStore(cfg *config.WorkQueueConfig, dial Dialer) *Store {
	return &Store{
		dial: dial,
		cfg:  *cfg,
	}
}

// NewStoreWithClient runs the queue on an already dialed client. ShutDown
// detaches from the client without closing it.
func NewStoreWithClient(cfg *config.WorkQueueConfig, client *redis.Client) *Store {
	return &Store{
		client:   client,
		cfg:      *cfg,
		borrowed: true,
	}
}

// Connect dials the store once. Later calls are no-ops while connected.
func (s *Store) Connect(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Store) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.dial == nil {
		return nil, &workqueue.BackendError{Op: "CONNECT", Err: errors.New("no dialer configured")}
	}
	c, err := s.dial(ctx)
	if err != nil {
		return nil, &workqueue.BackendError{Op: "CONNECT", Err: err}
	}
	s.client = c
	return c, nil
}

func (s *Store) Enqueue(ctx context.Context, item any) (int64, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/Enqueue")
	defer span.End()

	b, err := workqueue.Encode(item)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}

	c, err := s.conn(ctx)
	if err != nil {
		return 0, s.fail(ctx, span, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return 0, s.fail(ctx, span, &workqueue.BackendError{Op: "UUID", Err: err})
	}
	historyKey := util.GetHistoryKey(s.cfg.HISTORY_PREFIX, id.String())
	span.AddEvent("redis.context",
		trace.WithAttributes(
			attribute.String("queue_key", s.cfg.QUEUE_KEY),
			attribute.String("history_key", historyKey),
		),
	)

	// History and queue entry land together or not at all.
	var push *redis.IntCmd
	_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, historyKey, b, 0)
		push = p.RPush(ctx, s.cfg.QUEUE_KEY, b)
		return nil
	})
	if err != nil {
		return 0, s.fail(ctx, span, &workqueue.BackendError{Op: "ENQUEUE", Key: s.cfg.QUEUE_KEY, Err: err})
	}

	metrics.WorkQueueEnqueued.Inc()
	return push.Val(), nil
}

func (s *Store) Dequeue(ctx context.Context) (string, bool, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/Dequeue")
	defer span.End()

	c, err := s.conn(ctx)
	if err != nil {
		return "", false, s.fail(ctx, span, err)
	}

	v, err := c.LPop(ctx, s.cfg.QUEUE_KEY).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail(ctx, span, &workqueue.BackendError{Op: "LPOP", Key: s.cfg.QUEUE_KEY, Err: err})
	}

	metrics.WorkQueueDequeued.Inc()
	return v, true, nil
}

func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/QueueLength")
	defer span.End()

	c, err := s.conn(ctx)
	if err != nil {
		return 0, s.fail(ctx, span, err)
	}

	n, err := c.LLen(ctx, s.cfg.QUEUE_KEY).Result()
	if err != nil {
		return 0, s.fail(ctx, span, &workqueue.BackendError{Op: "LLEN", Key: s.cfg.QUEUE_KEY, Err: err})
	}
	return n, nil
}

func (s *Store) NumWorkersActive(ctx context.Context) (int64, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/NumWorkersActive")
	defer span.End()

	c, err := s.conn(ctx)
	if err != nil {
		return 0, s.fail(ctx, span, err)
	}

	n, err := c.Get(ctx, s.cfg.WORKERS_KEY).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail(ctx, span, &workqueue.BackendError{Op: "GET", Key: s.cfg.WORKERS_KEY, Err: err})
	}
	return n, nil
}

func (s *Store) UpdateNumWorkersActive(ctx context.Context, delta int64) (int64, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Redis/UpdateNumWorkersActive")
	defer span.End()

	c, err := s.conn(ctx)
	if err != nil {
		return 0, s.fail(ctx, span, err)
	}

	n, err := c.IncrBy(ctx, s.cfg.WORKERS_KEY, delta).Result()
	if err != nil {
		return 0, s.fail(ctx, span, &workqueue.BackendError{Op: "INCRBY", Key: s.cfg.WORKERS_KEY, Err: err})
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return &workqueue.BackendError{Op: "PING", Err: err}
	}
	return nil
}

func (s *Store) ShutDown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return
	}
	if s.borrowed {
		s.client = nil
		return
	}
	if err := s.client.Close(); err != nil {
		logger.Log.Warn().Err(err).Msg("unable to close redis connection")
	}
	s.client = nil
}

func (s *Store) fail(ctx context.Context, span trace.Span, err error) error {
	util.RecordSpanError(span, err)
	l := logger.FromContext(ctx)
	var be *workqueue.BackendError
	if errors.As(err, &be) {
		l.Error().Err(be.Err).Str("op", be.Op).Str("key", be.Key).Msg("workqueue operation failed")
	} else {
		l.Error().Err(err).Msg("workqueue operation failed")
	}
	return err
}
