package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/ssuji15/synthgen/internal/metrics"
)

type job struct {
	w       http.ResponseWriter
	r       *http.Request
	next    http.Handler
	started atomic.Bool
	// abandoned is set when the caller gave up before a slot was free.
	abandoned atomic.Bool
	done      chan struct{}
}

// Limiter runs at most maxInflight handlers at once and parks up to queueSize
// more. Anything beyond that is rejected with 503. A parked request whose
// context ends is dropped without writing a response.
type Limiter struct {
	queue    chan *job
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan *job, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for j := range l.queue {
		metrics.APIProductionsWaiting.Dec()
		if j.abandoned.Load() {
			close(j.done)
			continue
		}

		l.inflight <- struct{}{}
		metrics.APIProductionsInflight.Inc()

		go func(j *job) {
			defer func() {
				<-l.inflight
				metrics.APIProductionsInflight.Dec()
				close(j.done)
			}()

			// the waiter may have left while this job sat behind a full pool
			if j.abandoned.Load() || !j.started.CompareAndSwap(false, true) {
				return
			}
			j.next.ServeHTTP(j.w, j.r)
		}(j)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := &job{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		metrics.APIProductionsWaiting.Inc()
		select {
		case l.queue <- j:
		default:
			metrics.APIProductionsWaiting.Dec()
			metrics.APIProductionsRejected.Inc()
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}

		select {
		case <-j.done:
		case <-r.Context().Done():
			// claim the job so it never starts. The response is left to
			// the timeout middleware that set the deadline; a handler that
			// already started owns it instead.
			if j.started.CompareAndSwap(false, true) {
				j.abandoned.Store(true)
				return
			}
			<-j.done
		}
	})
}
