// Package pubsub implements the Pub/Sub Provider abstraction of spec.md
// §4.6: an optional bus that mirrors publishes and metrics requests across a
// fleet of brokers. Two transports are provided: Redis Pub/Sub (go-redis)
// and NATS core pub/sub (nats.go, no JetStream — fan-out here is
// intentionally at-most-once, not durable delivery).
package pubsub

import (
	"encoding/json"

	"github.com/tomnagengast/revurb/internal/domain"
)

// Envelope types exchanged between brokers over the bus.
const (
	EnvelopeMessage          = "message"
	EnvelopeMetrics          = "metrics"
	EnvelopeMetricsRetrieved = "metrics-retrieved"
	EnvelopeTerminate        = "terminate"
)

// Envelope is the wire shape of everything published to the bus.
type Envelope struct {
	Type        string          `json:"type"`
	Application domain.Application `json:"application"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Key         string          `json:"key,omitempty"`
	SocketID    string          `json:"socket_id,omitempty"`
}

// Handler receives a demultiplexed envelope of one registered type.
type Handler func(Envelope)

// Provider is the abstract capability set of spec.md §4.6. Implementations
// must queue outbound publishes while disconnected and flush them FIFO on
// reconnect, and must re-establish every registered subscription
// automatically on reconnect.
type Provider interface {
	// Connect establishes the publisher and subscriber legs. Idempotent.
	Connect() error
	// Disconnect tears both legs down. Idempotent.
	Disconnect() error
	// Publish sends env to every other connected broker.
	Publish(env Envelope) error
	// On registers handler for every envelope of the given type. Must be
	// called before Connect to guarantee delivery of messages received
	// immediately after the subscriber leg comes up.
	On(envelopeType string, handler Handler)
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
