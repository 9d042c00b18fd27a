package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/component/jetstream"
	"github.com/ssuji15/synthgen/internal/queue"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
)

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

var (
	jqc *JetStreamQueueClient
	mu  sync.Mutex
)

// NewJetStreamQueueClient returns the process wide publisher, creating the
// event stream on first use.
func NewJetStreamQueueClient() (queue.Queue, error) {
	mu.Lock()
	defer mu.Unlock()
	if jqc != nil {
		return jqc, nil
	}

	nc, err := jetstream.NewJetStreamClient()
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	c := &JetStreamQueueClient{connection: nc, context: js}
	if err := c.AddStream(queue.EventStream, []string{queue.EventFilter}, 10000); err != nil {
		return nil, err
	}
	jqc = c
	return jqc, nil
}

// AddStream creates the stream if it does not exist. Messages older than a
// day are dropped; when full the oldest message is discarded.
func (c *JetStreamQueueClient) AddStream(name string, subjects []string, maxMsgs int) error {
	if name == "" {
		return errors.New("stream name is empty")
	}
	if maxMsgs <= 0 {
		return fmt.Errorf("invalid max messages: %d", maxMsgs)
	}
	_, err := c.context.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxMsgs:   int64(maxMsgs),
		MaxAge:    24 * time.Hour,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, payload []byte) error {
	ctx, span := tracer.GetTracer().Start(ctx, "JetStream/PublishEvent")
	defer span.End()

	if len(payload) == 0 {
		err := errors.New("event payload is empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("jetstream.context",
		trace.WithAttributes(
			attribute.String("subject", string(event)),
			attribute.Int("payload_bytes", len(payload)),
		),
	)

	if _, err := c.context.Publish(string(event), payload, nats.Context(ctx)); err != nil {
		util.RecordSpanError(span, err)
		l := logger.FromContext(ctx)
		l.Error().Err(err).Str("subject", string(event)).Msg("publish failed")
		return err
	}
	return nil
}

// Subscribe returns a pull subscription bound to a durable consumer on the
// event stream.
func (c *JetStreamQueueClient) Subscribe(event queue.QueueEvent, durable string) (*nats.Subscription, error) {
	if durable == "" {
		return nil, errors.New("consumer name is empty")
	}
	return c.context.PullSubscribe(string(event), durable, nats.BindStream(queue.EventStream), nats.ManualAck())
}

func (c *JetStreamQueueClient) ShutDown(ctx context.Context) {
	mu.Lock()
	defer mu.Unlock()
	if err := c.connection.Drain(); err != nil {
		logger.Log.Warn().Err(err).Msg("unable to drain nats connection")
	}
	jqc = nil
	jetstream.ResetJetStreamClient()
}
