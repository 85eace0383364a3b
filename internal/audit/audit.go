// Package audit is the broker's async, best-effort usage-metering sink
// (spec.md §4.9 expansion): it counts connection lifecycle, subscription,
// and broadcast activity and flushes the counts to a ClickHouse table. It
// never holds message payload bytes and never blocks the hot path that
// feeds it.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names the category of a metered event.
type Kind string

const (
	KindConnectionOpened Kind = "connection_opened"
	KindConnectionClosed Kind = "connection_closed"
	KindSubscribed       Kind = "subscribed"
	KindUnsubscribed     Kind = "unsubscribed"
	KindBroadcast        Kind = "broadcast"
)

// Event is one metered occurrence. Count is only meaningful for
// KindBroadcast (the number of subscribers a message fanned out to); it is
// zero otherwise.
type Event struct {
	Kind        Kind
	AppID       string
	SocketID    string
	ChannelName string
	UserID      string
	Count       int
	At          time.Time
}

// Writer persists a batch of Events. Implementations must not retain the
// slice after returning.
type Writer interface {
	WriteBatch(ctx context.Context, events []Event) error
}

const (
	defaultBufferSize   = 4096
	defaultBatchSize    = 500
	defaultFlushEvery   = 5 * time.Second
	flushRequestTimeout = 10 * time.Second
)

// Sink batches Events in memory and flushes them to a Writer on a timer or
// when a batch fills, whichever comes first.
type Sink struct {
	writer     Writer
	events     chan Event
	batchSize  int
	flushEvery time.Duration

	dropped atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup

	logger *slog.Logger
}

// NewSink builds a Sink with production defaults (4096-deep buffer,
// 500-event batches, 5s flush cadence) and starts its flush loop.
func NewSink(writer Writer) *Sink {
	return NewSinkWithOptions(writer, defaultBufferSize, defaultBatchSize, defaultFlushEvery)
}

// NewSinkWithOptions builds a Sink with explicit tuning and starts its
// flush loop.
func NewSinkWithOptions(writer Writer, bufferSize, batchSize int, flushEvery time.Duration) *Sink {
	s := &Sink{
		writer:     writer,
		events:     make(chan Event, bufferSize),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "audit"),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Dropped returns the number of queued events discarded to make room for
// newer ones while the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// ConnectionOpened records a new connection bound to app.
func (s *Sink) ConnectionOpened(appID, socketID string) {
	s.enqueue(Event{Kind: KindConnectionOpened, AppID: appID, SocketID: socketID, At: time.Now()})
}

// ConnectionClosed records a connection's transport closing, for any reason.
func (s *Sink) ConnectionClosed(appID, socketID string) {
	s.enqueue(Event{Kind: KindConnectionClosed, AppID: appID, SocketID: socketID, At: time.Now()})
}

// Subscribed records a successful channel subscription.
func (s *Sink) Subscribed(appID, channelName string) {
	s.enqueue(Event{Kind: KindSubscribed, AppID: appID, ChannelName: channelName, At: time.Now()})
}

// Unsubscribed records a channel subscription ending.
func (s *Sink) Unsubscribed(appID, channelName string) {
	s.enqueue(Event{Kind: KindUnsubscribed, AppID: appID, ChannelName: channelName, At: time.Now()})
}

// Broadcast records one dispatch fanning out to count subscribers. It never
// carries the event payload, only the count.
func (s *Sink) Broadcast(appID, channelName string, count int) {
	s.enqueue(Event{Kind: KindBroadcast, AppID: appID, ChannelName: channelName, Count: count, At: time.Now()})
}

// enqueue never blocks the caller. A full buffer evicts its oldest queued
// event (not the one arriving), so the sink degrades by losing history
// rather than losing the most recent activity.
func (s *Sink) enqueue(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushRequestTimeout)
		if err := s.writer.WriteBatch(ctx, batch); err != nil {
			s.logger.Warn("flush failed", "error", err, "batch_size", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			s.drainAndFlush(&batch, flush)
			return
		}
	}
}

func (s *Sink) drainAndFlush(batch *[]Event, flush func()) {
	for {
		select {
		case ev := <-s.events:
			*batch = append(*batch, ev)
			if len(*batch) >= s.batchSize {
				flush()
			}
		default:
			flush()
			return
		}
	}
}

// Close stops the flush loop after draining and flushing any buffered
// events. Safe to call once.
func (s *Sink) Close() {
	close(s.done)
	s.wg.Wait()
}
