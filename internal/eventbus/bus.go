// Package eventbus carries raw domain event envelopes between producers and
// the notifier. Payloads are opaque bytes; decoding is the router's job.
package eventbus

import (
	"context"
	"errors"
)

// DefaultTopic is the topic (Kafka) or subject (NATS) envelopes travel on.
const DefaultTopic = "notifier.events"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("eventbus: closed")

// Handler processes one payload. Returning a retryable error (see
// notify.IsRetryable) asks buses that support it to redeliver the payload.
type Handler func(ctx context.Context, payload []byte) error

// Bus defines the interface for publishing and consuming event envelopes.
// Implementations include InMemoryBus (single node), KafkaBus and NATSBus.
type Bus interface {
	// Publish sends a payload to the given topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler that will be called for every payload
	// published to topic. Consumption runs in the background until Close.
	// Returns a subscription ID for tracking purposes.
	Subscribe(topic string, handler Handler) (string, error)

	// Close stops all consumers and releases connections. It waits for
	// in-flight handlers to return.
	Close() error
}
