package pool

import "sync/atomic"

type State int32

const (
	Idle State = iota
	ComputingDeficit
	Producing
	Sleeping
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ComputingDeficit:
		return "computing_deficit"
	case Producing:
		return "producing"
	case Sleeping:
		return "sleeping"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type workerState struct {
	v atomic.Int32
}

func (w *workerState) set(s State) { w.v.Store(int32(s)) }
func (w *workerState) get() State  { return State(w.v.Load()) }
