// -----------------------------------------------------------------------
// NATS Bus - Out-of-process message bus over a NATS broker
// -----------------------------------------------------------------------

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// NATSBus delivers messages through a NATS broker so observers in other
// processes can subscribe to progress events. Channels map directly to
// subjects; envelopes travel as JSON.
type NATSBus struct {
	conn   *nats.Conn
	logger arbor.ILogger
}

// NewNATSBus connects to the broker at url.
func NewNATSBus(url string, logger arbor.ILogger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("agenda"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS connection lost, reconnecting")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info().Str("url", url).Msg("Connected to NATS broker")

	return &NATSBus{
		conn:   conn,
		logger: logger,
	}, nil
}

// Send publishes a payload on a channel. The envelope is serialized as
// JSON; non-serializable payloads are an error.
func (b *NATSBus) Send(ctx context.Context, channel string, payload interface{}, opts interfaces.SendOptions) error {
	msg := interfaces.BusMessage{
		Channel:       channel,
		Payload:       payload,
		Sender:        opts.Sender,
		Target:        opts.Target,
		CorrelationID: opts.CorrelationID,
		Broadcast:     opts.Broadcast,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize bus message: %w", err)
	}

	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	return nil
}

// Subscribe registers a handler for a channel and returns an unsubscribe
// function.
func (b *NATSBus) Subscribe(channel string, handler interfaces.BusHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	sub, err := b.conn.Subscribe(channel, func(natsMsg *nats.Msg) {
		var msg interfaces.BusMessage
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("channel", channel).
				Msg("Dropping malformed bus message")
			return
		}
		handler(context.Background(), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.logger.Debug().Str("channel", channel).Msg("Bus handler subscribed")

	unsubscribe := func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("channel", channel).Msg("Unsubscribe failed")
		}
	}

	return unsubscribe, nil
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	b.logger.Info().Msg("NATS bus closed")
	return nil
}
