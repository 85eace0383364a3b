package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisOutboundQueueSize = 4096
	redisReconnectWait     = 2 * time.Second
)

// RedisProvider is the primary Pub/Sub Provider transport (spec.md §4.6),
// built on a single shared channel so every broker both publishes and
// subscribes on it.
type RedisProvider struct {
	client      *redis.Client
	channelName string

	mu       sync.Mutex
	handlers map[string][]Handler
	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRedisProvider creates a RedisProvider from a redis:// URL. channelName
// is the single Pub/Sub channel the whole fleet shares (envelopes carry
// their own Type for demultiplexing).
func NewRedisProvider(url, channelName string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisProvider{
		client:      redis.NewClient(opts),
		channelName: channelName,
		handlers:    make(map[string][]Handler),
		outbound:    make(chan []byte, redisOutboundQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default().With("component", "pubsub-redis"),
	}, nil
}

// On registers handler for envelopeType. Must be called before Connect.
func (p *RedisProvider) On(envelopeType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[envelopeType] = append(p.handlers[envelopeType], handler)
}

// Connect starts the publisher drain loop and the subscriber loop, both of
// which reconnect with backoff and resume automatically.
func (p *RedisProvider) Connect() error {
	p.wg.Add(2)
	go p.publishLoop()
	go p.subscribeLoop()
	return nil
}

// Disconnect stops both loops and closes the underlying client. Idempotent.
func (p *RedisProvider) Disconnect() error {
	p.cancel()
	p.wg.Wait()
	return p.client.Close()
}

// Publish enqueues env for delivery. It never blocks the caller: while
// disconnected or backed up, envelopes queue FIFO up to
// redisOutboundQueueSize and are flushed in order once the publisher loop
// catches up; once the queue is full Publish returns an error and the new
// envelope is not queued, the same way Connection.Send reports a full
// outbound queue.
func (p *RedisProvider) Publish(env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}
	select {
	case p.outbound <- data:
		return nil
	default:
		return fmt.Errorf("pubsub: outbound queue full, dropping %s envelope", env.Type)
	}
}

func (p *RedisProvider) publishLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.outbound:
			p.publishWithRetry(data)
		}
	}
}

func (p *RedisProvider) publishWithRetry(data []byte) {
	for {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.client.Publish(p.ctx, p.channelName, data).Err(); err != nil {
			p.logger.Warn("publish failed, retrying", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(redisReconnectWait):
				continue
			}
		}
		return
	}
}

func (p *RedisProvider) subscribeLoop() {
	defer p.wg.Done()
	for {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.runSubscription(); err != nil {
			p.logger.Warn("subscription dropped, reconnecting", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(redisReconnectWait):
			}
		}
	}
}

func (p *RedisProvider) runSubscription() error {
	sub := p.client.Subscribe(p.ctx, p.channelName)
	defer sub.Close()

	if _, err := sub.Receive(p.ctx); err != nil {
		return err
	}
	p.logger.Info("pubsub subscribed", "channel", p.channelName)

	ch := sub.Channel()
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			p.dispatch([]byte(msg.Payload))
		}
	}
}

func (p *RedisProvider) dispatch(data []byte) {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		p.logger.Warn("discarding malformed envelope", "error", err)
		return
	}

	p.mu.Lock()
	handlers := append([]Handler(nil), p.handlers[env.Type]...)
	p.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}
