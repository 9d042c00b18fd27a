//go:build integration
// +build integration

package jetstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/synthgen/internal/component/jetstream"
	"github.com/ssuji15/synthgen/internal/queue"
	tjetstream "github.com/ssuji15/synthgen/tests/integration_test/infra/jetstream"
)

var (
	natsContainer testcontainers.Container
	JETSTREAM_URL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)
	code := m.Run()
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func reset() {
	jqc = nil
	jetstream.ResetJetStreamClient()
}

func newClient(t *testing.T) *JetStreamQueueClient {
	t.Helper()
	reset()
	os.Setenv("JETSTREAM_URL", JETSTREAM_URL)

	q, err := NewJetStreamQueueClient()
	require.NoError(t, err)
	client, ok := q.(*JetStreamQueueClient)
	require.True(t, ok)
	return client
}

func TestNewJetStreamQueueClient(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		expectErr bool
	}{
		{"unset JETSTREAM_URL fails", "", true},
		{"create client successfully", "use-container", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset()
			if tt.url == "" {
				os.Unsetenv("JETSTREAM_URL")
			} else {
				os.Setenv("JETSTREAM_URL", JETSTREAM_URL)
			}

			q, err := NewJetStreamQueueClient()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, q)
				return
			}
			require.NoError(t, err)
			client := q.(*JetStreamQueueClient)
			_, err = client.context.StreamInfo(queue.EventStream)
			require.NoError(t, err)

			again, err := NewJetStreamQueueClient()
			require.NoError(t, err)
			require.Same(t, client, again)
		})
	}
}

func TestJetStreamQueueClient_AddStream(t *testing.T) {
	client := newClient(t)

	tests := []struct {
		name      string
		stream    string
		maxMsgs   int
		expectErr bool
	}{
		{"empty stream name", "", 10, true},
		{"maxMsgs zero is invalid", "ZERO_STREAM", 0, true},
		{"valid stream", "VALID_STREAM", 5, false},
		{"existing stream is accepted", queue.EventStream, 10000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.AddStream(tt.stream, []string{"valid.>"}, tt.maxMsgs)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
	_ = client.context.DeleteStream("VALID_STREAM")
}

func TestJetStreamQueueClient_PublishAndFetch(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(queue.ItemEnqueued, "PUBLISH_TEST")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"publish valid event", []byte(`{"queue_length":1}`), false},
		{"publish empty payload fails", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.PublishEvent(ctx, queue.ItemEnqueued, tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Equal(t, tt.payload, msgs[0].Data)
			require.NoError(t, msgs[0].Ack())
		})
	}
}

func TestJetStreamQueueClient_SubscribeRequiresDurable(t *testing.T) {
	client := newClient(t)
	_, err := client.Subscribe(queue.ItemEnqueued, "")
	require.Error(t, err)
}

func TestJetStreamQueueClient_ShutDown(t *testing.T) {
	client := newClient(t)
	client.ShutDown(context.Background())
	require.Nil(t, jqc)

	fresh := newClient(t)
	require.NotSame(t, client, fresh)
}
