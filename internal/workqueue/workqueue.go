package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// WorkQueue is a cross-process FIFO of encoded work items. Every enqueued
// item is also written to a history record that dequeue never touches.
type WorkQueue interface {
	Connect(ctx context.Context) error
	Enqueue(ctx context.Context, item any) (int64, error)
	// Dequeue pops the oldest item. ok is false when the queue is empty.
	Dequeue(ctx context.Context) (item string, ok bool, err error)
	QueueLength(ctx context.Context) (int64, error)
	NumWorkersActive(ctx context.Context) (int64, error)
	// UpdateNumWorkersActive atomically adds delta and returns the new count.
	UpdateNumWorkersActive(ctx context.Context, delta int64) (int64, error)
	Ping(ctx context.Context) error
	ShutDown(ctx context.Context)
}

var ErrInvalidInput = errors.New("invalid input")

type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("workqueue backend error: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Encode renders item in the canonical queue encoding.
func Encode(item any) ([]byte, error) {
	if isNil(item) {
		return nil, fmt.Errorf("%w: item is nil", ErrInvalidInput)
	}
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return b, nil
}

// Decode reverses Encode into out.
func Decode(item string, out any) error {
	return json.Unmarshal([]byte(item), out)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
