package queue

import "context"

// Queue publishes domain events. Delivery is best effort from the caller's
// point of view; a failed publish never undoes the work that triggered it.
type Queue interface {
	PublishEvent(ctx context.Context, event QueueEvent, payload []byte) error
	ShutDown(ctx context.Context)
}

type QueueEvent string

const (
	ItemEnqueued     QueueEvent = "events.synthetic.enqueued"
	ArtifactProduced QueueEvent = "events.synthetic.artifact"
)

const (
	EventStream = "SYNTHETIC"
	EventFilter = "events.synthetic.>"
)

// Nop drops every event. It backs EVENTS_TYPE=none.
type Nop struct{}

func (Nop) PublishEvent(context.Context, QueueEvent, []byte) error { return nil }
func (Nop) ShutDown(context.Context)                               {}
