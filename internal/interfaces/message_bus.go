package interfaces

import "context"

// Bus channel and sender identifiers used by the progress monitor.
const (
	JobProgressChannel    = "job-progress"
	ProgressMonitorSender = "job-progress-monitor"
)

// SendOptions carries the envelope fields of a bus message. Broadcast
// delivery is the norm: every subscriber receives the message and does its
// own routing using the payload metadata.
type SendOptions struct {
	Sender        string
	Target        string
	CorrelationID string
	Broadcast     bool
}

// BusMessage is the envelope delivered to subscribers.
type BusMessage struct {
	Channel       string      `json:"channel"`
	Payload       interface{} `json:"payload"`
	Sender        string      `json:"sender,omitempty"`
	Target        string      `json:"target,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Broadcast     bool        `json:"broadcast"`
}

// BusHandler consumes messages on a subscribed channel.
type BusHandler func(ctx context.Context, msg BusMessage)

// MessageBus is the abstract event transport. Adapters are interchangeable:
// an in-process fan-out for a single binary, an out-of-process broker for
// multi-process observers.
type MessageBus interface {
	// Send publishes a payload on a channel.
	Send(ctx context.Context, channel string, payload interface{}, opts SendOptions) error

	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function.
	Subscribe(channel string, handler BusHandler) (func(), error)

	// Close shuts the bus down; subsequent sends fail.
	Close() error
}
