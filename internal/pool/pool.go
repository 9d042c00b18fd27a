package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ssuji15/synthgen/internal/metrics"
	"github.com/ssuji15/synthgen/internal/queue"
	"github.com/ssuji15/synthgen/internal/service/logger"
)

var ErrAlreadyRunning = errors.New("pool is already running")

// Producer creates one work item. It should honour ctx cancellation.
type Producer func(ctx context.Context) (any, error)

// Queue is the part of the work queue the pool depends on.
type Queue interface {
	Enqueue(ctx context.Context, item any) (int64, error)
	QueueLength(ctx context.Context) (int64, error)
	UpdateNumWorkersActive(ctx context.Context, delta int64) (int64, error)
}

type Options struct {
	TargetSize int64
	NumWorkers int
	// Backoff is how long an idle or failed worker sleeps before polling again.
	Backoff time.Duration
	// ReleaseTimeout bounds the counter release and the final enqueue that run
	// after the loop context is cancelled.
	ReleaseTimeout time.Duration
	// Events is optional. When set, every enqueue is announced on it.
	Events queue.Queue
}

type Pool struct {
	q       Queue
	produce Producer
	opts    Options

	wake   chan struct{}
	states []workerState

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(q Queue, produce Producer, opts Options) (*Pool, error) {
	if q == nil || produce == nil {
		return nil, errors.New("pool: queue and producer are required")
	}
	if opts.TargetSize < 0 {
		return nil, fmt.Errorf("pool: invalid target size %d", opts.TargetSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 3 * time.Second
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}
	return &Pool{
		q:       q,
		produce: produce,
		opts:    opts,
		wake:    make(chan struct{}, opts.NumWorkers),
		states:  make([]workerState, opts.NumWorkers),
	}, nil
}

// Deficit is how many more items the pool should produce. It is never negative.
func Deficit(target, length, active int64) int64 {
	d := target - length - active
	if d < 0 {
		return 0
	}
	return d
}

// Run starts NumWorkers loops and blocks until ctx is cancelled or Stop is
// called. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		p.mu.Lock()
		p.cancel = nil
		p.done = nil
		p.mu.Unlock()
	}()

	logger.Log.Info().
		Int64("target_size", p.opts.TargetSize).
		Int("num_workers", p.opts.NumWorkers).
		Msg("worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.NumWorkers; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	logger.Log.Info().Msg("worker pool stopped")
	return err
}

// Stop cancels every loop and waits for them to return. Counter releases
// taken before cancellation still complete.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger wakes sleeping workers so they recompute the deficit now.
func (p *Pool) Trigger() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// States returns a snapshot of each worker's state.
func (p *Pool) States() []State {
	out := make([]State, len(p.states))
	for i := range p.states {
		out[i] = p.states[i].get()
	}
	return out
}

func (p *Pool) loop(ctx context.Context, id int) {
	st := &p.states[id]
	l := logger.Log.With().Int("worker_id", id).Logger()
	ctx = logger.WithContext(ctx, l)

	for {
		if ctx.Err() != nil {
			st.set(Cancelled)
			return
		}

		produced, err := p.step(ctx, st, l)
		if err != nil && ctx.Err() == nil {
			l.Error().Err(err).Msg("production step failed")
		}
		if produced && err == nil {
			continue
		}

		st.set(Sleeping)
		select {
		case <-ctx.Done():
			st.set(Cancelled)
			return
		case <-time.After(p.opts.Backoff):
		case <-p.wake:
		}
	}
}

// step reserves a worker slot, checks the deficit and produces at most one
// item. It reports whether a producer call was made.
func (p *Pool) step(ctx context.Context, st *workerState, l zerolog.Logger) (produced bool, err error) {
	st.set(ComputingDeficit)

	reserved, err := p.q.UpdateNumWorkersActive(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("reserve worker slot: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ReleaseTimeout)
		defer cancel()
		if _, rerr := p.q.UpdateNumWorkersActive(rctx, -1); rerr != nil {
			l.Error().Err(rerr).Msg("unable to release worker slot")
			err = errors.Join(err, fmt.Errorf("release worker slot: %w", rerr))
		}
	}()

	length, err := p.q.QueueLength(ctx)
	if err != nil {
		return false, fmt.Errorf("queue length: %w", err)
	}

	deficit := Deficit(p.opts.TargetSize, length, reserved-1)
	metrics.PoolDeficit.Set(float64(deficit))
	if deficit <= 0 {
		return false, nil
	}

	st.set(Producing)
	l.Debug().Int64("deficit", deficit).Int64("queue_length", length).Msg("producing item")

	start := time.Now()
	item, err := p.safeProduce(ctx)
	metrics.PoolProductionDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PoolItemsProduced.WithLabelValues("failed").Inc()
		return true, fmt.Errorf("producer: %w", err)
	}

	// The item is finished; store it even if shutdown began meanwhile.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ReleaseTimeout)
	defer cancel()
	n, err := p.q.Enqueue(ectx, item)
	if err != nil {
		metrics.PoolItemsProduced.WithLabelValues("enqueue_failed").Inc()
		return true, fmt.Errorf("enqueue: %w", err)
	}
	metrics.PoolItemsProduced.WithLabelValues("ok").Inc()
	l.Info().Int64("queue_length", n).Msg("item enqueued")

	p.announce(ectx, n, l)
	return true, nil
}

func (p *Pool) safeProduce(ctx context.Context) (item any, err error) {
	metrics.PoolWorkersProducing.Inc()
	defer metrics.PoolWorkersProducing.Dec()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return p.produce(ctx)
}

type enqueuedEvent struct {
	QueueLength int64     `json:"queue_length"`
	At          time.Time `json:"at"`
}

func (p *Pool) announce(ctx context.Context, n int64, l zerolog.Logger) {
	if p.opts.Events == nil {
		return
	}
	b, err := json.Marshal(enqueuedEvent{QueueLength: n, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := p.opts.Events.PublishEvent(ctx, queue.ItemEnqueued, b); err != nil {
		l.Warn().Err(err).Msg("unable to publish enqueue event")
	}
}
