package jetstream

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/service/logger"
)

var (
	nc        *nats.Conn
	once      sync.Once
	initError error
)

// NewJetStreamClient returns the shared NATS connection used by the event
// publisher and the object store cache.
func NewJetStreamClient() (*nats.Conn, error) {
	once.Do(func() {
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		nc, err = nats.Connect(cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
			nats.Name("synthgen"),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Log.Error().Err(err).Msg("nats disconnected")
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				logger.Log.Warn().Msg("nats connection closed")
			}),
		)
		if err != nil {
			initError = err
			return
		}
	})
	return nc, initError
}

func ResetJetStreamClient() {
	nc = nil
	once = sync.Once{}
	initError = nil
}
