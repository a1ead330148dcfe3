// -----------------------------------------------------------------------
// Memory Bus - In-process message bus with async fan-out
// -----------------------------------------------------------------------

// Package bus provides the message transports behind the MessageBus
// contract: an in-process fan-out for single-binary deployments and a NATS
// adapter for out-of-process observers.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
)

// subscription pairs a handler with the id its unsubscribe closure removes
type subscription struct {
	id      int
	handler interfaces.BusHandler
}

// MemoryBus fans messages out to in-process subscribers. Delivery is
// asynchronous and panic-protected; a slow subscriber never blocks the
// sender. Target and Broadcast ride the envelope untouched - in-process
// delivery always reaches every channel subscriber and consumers do their
// own routing.
type MemoryBus struct {
	subscribers map[string][]subscription
	nextID      int
	closed      bool
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewMemoryBus creates an in-process message bus
func NewMemoryBus(logger arbor.ILogger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Send publishes a payload on a channel to all current subscribers
func (b *MemoryBus) Send(ctx context.Context, channel string, payload interface{}, opts interfaces.SendOptions) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("message bus is closed")
	}
	subs := make([]subscription, len(b.subscribers[channel]))
	copy(subs, b.subscribers[channel])
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug().Str("channel", channel).Msg("No subscribers for channel")
		return nil
	}

	msg := interfaces.BusMessage{
		Channel:       channel,
		Payload:       payload,
		Sender:        opts.Sender,
		Target:        opts.Target,
		CorrelationID: opts.CorrelationID,
		Broadcast:     opts.Broadcast,
	}

	for _, sub := range subs {
		handler := sub.handler
		common.SafeGo(b.logger, "bus-deliver", func() {
			handler(ctx, msg)
		})
	}

	return nil
}

// Subscribe registers a handler for a channel and returns an unsubscribe
// function
func (b *MemoryBus) Subscribe(channel string, handler interfaces.BusHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("message bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.subscribers[channel] = append(b.subscribers[channel], subscription{
		id:      id,
		handler: handler,
	})

	b.logger.Debug().
		Str("channel", channel).
		Int("subscriber_count", len(b.subscribers[channel])).
		Msg("Bus handler subscribed")

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[channel]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}

	return unsubscribe, nil
}

// Close shuts the bus down; subsequent sends and subscribes fail
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscribers = make(map[string][]subscription)
	b.logger.Info().Msg("Message bus closed")

	return nil
}
