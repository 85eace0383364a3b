package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSProvider is the alternate Pub/Sub Provider transport: plain core
// pub/sub on a single subject, deliberately skipping JetStream. Fleet
// message fan-out here is transient broadcast, so at-most-once delivery is
// correct and JetStream's persistence would be wasted overhead.
//
// nats.go's client already queues outbound publishes during a reconnect and
// automatically re-issues every active Subscribe once the connection is
// restored, so this provider does not need its own queue/resubscribe logic
// the way RedisProvider does.
type NATSProvider struct {
	conn    *nats.Conn
	subject string
	url     string

	mu         sync.Mutex
	sub        *nats.Subscription
	registered map[string][]Handler
	logger     *slog.Logger
}

// NewNATSProvider creates a NATSProvider bound to a single shared subject.
func NewNATSProvider(url, subject string) *NATSProvider {
	return &NATSProvider{
		url:     url,
		subject: subject,
		logger:  slog.Default().With("component", "pubsub-nats"),
	}
}

// Connect dials the NATS server with indefinite reconnect and subscribes to
// the shared subject.
func (p *NATSProvider) Connect() error {
	opts := []nats.Option{
		nats.Name("revurb"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(p.url, opts...)
	if err != nil {
		return fmt.Errorf("pubsub: nats connect: %w", err)
	}
	p.conn = nc

	sub, err := nc.Subscribe(p.subject, p.onMessage)
	if err != nil {
		nc.Close()
		return fmt.Errorf("pubsub: nats subscribe: %w", err)
	}
	p.sub = sub

	return nil
}

// Disconnect drains pending publishes and closes the connection. Idempotent.
func (p *NATSProvider) Disconnect() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Publish sends env on the shared subject.
func (p *NATSProvider) Publish(env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("pubsub: nats publish: %w", err)
	}
	return nil
}

// On registers handler for envelopeType. Must be called before Connect.
func (p *NATSProvider) On(envelopeType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered == nil {
		p.registered = make(map[string][]Handler)
	}
	p.registered[envelopeType] = append(p.registered[envelopeType], handler)
}

func (p *NATSProvider) onMessage(msg *nats.Msg) {
	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		p.logger.Warn("discarding malformed envelope", "error", err)
		return
	}

	p.mu.Lock()
	handlers := append([]Handler(nil), p.registered[env.Type]...)
	p.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}
