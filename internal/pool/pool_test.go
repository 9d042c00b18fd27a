package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/synthgen/internal/queue"
)

type fakeQueue struct {
	mu      sync.Mutex
	items   []any
	workers int64
	// minWorkers tracks the lowest counter value ever observed.
	minWorkers int64
	lenErr     error
}

func (f *fakeQueue) Enqueue(_ context.Context, item any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return int64(len(f.items)), nil
}

func (f *fakeQueue) QueueLength(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lenErr != nil {
		return 0, f.lenErr
	}
	return int64(len(f.items)), nil
}

func (f *fakeQueue) UpdateNumWorkersActive(_ context.Context, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers += delta
	if f.workers < f.minWorkers {
		f.minWorkers = f.workers
	}
	return f.workers, nil
}

func (f *fakeQueue) snapshot() (int, int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), f.workers, f.minWorkers
}

type recordingEvents struct {
	n atomic.Int32
}

func (r *recordingEvents) PublishEvent(context.Context, queue.QueueEvent, []byte) error {
	r.n.Add(1)
	return nil
}
func (r *recordingEvents) ShutDown(context.Context) {}

func runPool(t *testing.T, p *Pool) func() {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	return func() {
		p.Stop()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestDeficit(t *testing.T) {
	tests := []struct {
		name                   string
		target, length, active int64
		want                   int64
	}{
		{"empty pool", 5, 0, 0, 5},
		{"partially filled", 5, 2, 1, 2},
		{"exactly full", 3, 2, 1, 0},
		{"over filled clamps to zero", 3, 10, 2, 0},
		{"zero target", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Deficit(tt.target, tt.length, tt.active))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	produce := func(context.Context) (any, error) { return "x", nil }

	_, err := New(nil, produce, Options{})
	require.Error(t, err)
	_, err = New(&fakeQueue{}, nil, Options{})
	require.Error(t, err)
	_, err = New(&fakeQueue{}, produce, Options{TargetSize: -1})
	require.Error(t, err)

	p, err := New(&fakeQueue{}, produce, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, p.opts.NumWorkers)
	require.Len(t, p.States(), 1)
}

func TestPool_FillsToTargetExactly(t *testing.T) {
	tests := []struct {
		name    string
		target  int64
		workers int
	}{
		{"single worker", 4, 1},
		{"many workers", 6, 4},
		{"more workers than target", 2, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			var calls atomic.Int32
			ev := &recordingEvents{}
			p, err := New(q, func(context.Context) (any, error) {
				calls.Add(1)
				return map[string]any{"n": calls.Load()}, nil
			}, Options{
				TargetSize: tt.target,
				NumWorkers: tt.workers,
				Backoff:    5 * time.Millisecond,
				Events:     ev,
			})
			require.NoError(t, err)

			stop := runPool(t, p)
			require.Eventually(t, func() bool {
				n, _, _ := q.snapshot()
				return n == int(tt.target)
			}, 2*time.Second, 5*time.Millisecond)

			// further polls see no deficit
			time.Sleep(50 * time.Millisecond)
			stop()

			n, active, minActive := q.snapshot()
			require.Equal(t, int(tt.target), n)
			require.Equal(t, tt.target, int64(calls.Load()))
			require.Equal(t, int64(0), active)
			require.Equal(t, int64(0), minActive)
			require.Equal(t, int32(tt.target), ev.n.Load())
		})
	}
}

func TestPool_RespectsOtherActiveWorkers(t *testing.T) {
	// Two producers elsewhere already hold slots, target 3: one item is missing.
	q := &fakeQueue{workers: 2}
	var calls atomic.Int32
	p, err := New(q, func(context.Context) (any, error) {
		calls.Add(1)
		return "item", nil
	}, Options{TargetSize: 3, NumWorkers: 1, Backoff: 5 * time.Millisecond})
	require.NoError(t, err)

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	n, active, _ := q.snapshot()
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, n)
	require.Equal(t, int64(2), active)
}

func TestPool_FailuresReleaseSlot(t *testing.T) {
	tests := []struct {
		name    string
		produce Producer
	}{
		{"producer error", func(context.Context) (any, error) { return nil, errors.New("llm unavailable") }},
		{"producer panic", func(context.Context) (any, error) { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			var calls atomic.Int32
			p, err := New(q, func(ctx context.Context) (any, error) {
				calls.Add(1)
				return tt.produce(ctx)
			}, Options{TargetSize: 2, NumWorkers: 2, Backoff: 5 * time.Millisecond})
			require.NoError(t, err)

			stop := runPool(t, p)
			// the loop keeps going after failures
			require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
			stop()

			n, active, minActive := q.snapshot()
			require.Equal(t, 0, n)
			require.Equal(t, int64(0), active)
			require.Equal(t, int64(0), minActive)
		})
	}
}

func TestPool_QueueErrorReleasesSlot(t *testing.T) {
	q := &fakeQueue{lenErr: errors.New("connection refused")}
	p, err := New(q, func(context.Context) (any, error) {
		t.Error("producer must not run when the queue length is unknown")
		return nil, nil
	}, Options{TargetSize: 1, Backoff: 5 * time.Millisecond})
	require.NoError(t, err)

	stop := runPool(t, p)
	time.Sleep(30 * time.Millisecond)
	stop()

	_, active, _ := q.snapshot()
	require.Equal(t, int64(0), active)
}

func TestPool_StopDuringProductionReleasesSlot(t *testing.T) {
	q := &fakeQueue{}
	started := make(chan struct{})
	var once sync.Once
	p, err := New(q, func(ctx context.Context) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{TargetSize: 1, Backoff: 5 * time.Millisecond})
	require.NoError(t, err)

	stop := runPool(t, p)
	<-started
	require.Equal(t, []State{Producing}, p.States())

	_, active, _ := q.snapshot()
	require.Equal(t, int64(1), active)

	stop()
	n, active, _ := q.snapshot()
	require.Equal(t, 0, n)
	require.Equal(t, int64(0), active)
	require.Equal(t, []State{Cancelled}, p.States())
}

func TestPool_RunTwice(t *testing.T) {
	p, err := New(&fakeQueue{}, func(context.Context) (any, error) { return "x", nil },
		Options{TargetSize: 0, Backoff: time.Hour})
	require.NoError(t, err)

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.States()[0] == Sleeping }, time.Second, time.Millisecond)
	require.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRunning)
	stop()
}

func TestPool_TriggerWakesSleepingWorkers(t *testing.T) {
	q := &fakeQueue{}
	var calls atomic.Int32
	p, err := New(q, func(context.Context) (any, error) {
		calls.Add(1)
		return "x", nil
	}, Options{TargetSize: 1, Backoff: time.Hour})
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && p.States()[0] == Sleeping
	}, time.Second, time.Millisecond)

	// consume the item, then wake the worker instead of waiting an hour
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	p.Trigger()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "producing", Producing.String())
	require.Equal(t, "cancelled", Cancelled.String())
	require.Equal(t, "unknown", State(42).String())
}
