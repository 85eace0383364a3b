// Package connection wraps a single WebSocket transport with the identity,
// activity-tracking, and send/close contract spec.md §4.1 describes.
package connection

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomnagengast/revurb/internal/domain"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// sendBufferSize bounds the per-connection outbound queue (spec §5
	// backpressure: a slow consumer must not block others).
	sendBufferSize = 256
)

// socketIDMax bounds the random components of a socket_id. Kept within
// int64 range so the decimal-joined pair stays compact on the wire.
var socketIDMax = big.NewInt(1 << 53)

// Conn is the transport contract a Connection needs. *websocket.Conn
// satisfies it directly; tests substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// RequestMetadata carries handshake request details kept only for
// metering/logging. It has no bearing on any protocol invariant.
type RequestMetadata struct {
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time
}

// Connection is a single client socket bound to one Application. Identity
// and activity fields are mutated only by the owning broker goroutine set
// (ReadPump/WritePump plus background jobs), per spec.md §3's invariants.
type Connection struct {
	id     uuid.UUID // opaque transport-scoped identifier, internal use only
	conn   Conn
	app    domain.Application
	origin string

	metadata RequestMetadata

	socketIDOnce sync.Once
	socketID     string

	mu             sync.Mutex
	lastSeenAt     time.Time
	hasBeenPinged  bool
	maxMessageSize int
	closed         bool

	send   chan []byte
	logger *slog.Logger
}

// New creates a Connection bound to app over conn. maxMessageSize is copied
// from the Application at bind time per spec.md §3.
func New(conn Conn, app domain.Application, origin string) *Connection {
	c := &Connection{
		id:             uuid.New(),
		conn:           conn,
		app:            app,
		origin:         origin,
		metadata:       RequestMetadata{ConnectedAt: time.Now()},
		lastSeenAt:     time.Now(),
		maxMessageSize: app.MaxMessageSizeByte,
		send:           make(chan []byte, sendBufferSize),
		logger:         slog.Default().With("component", "connection", "app_id", app.AppID),
	}
	return c
}

// SetRequestMetadata records the remote address and user agent observed at
// handshake time. Purely informational; never read by protocol logic.
func (c *Connection) SetRequestMetadata(remoteAddr, userAgent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.RemoteAddr = remoteAddr
	c.metadata.UserAgent = userAgent
}

// Metadata returns the connection's RequestMetadata.
func (c *Connection) Metadata() RequestMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

// ID returns the public socket_id, generating it lazily on first call as
// two joined random integers (spec.md §3, §9). The id is stable thereafter.
func (c *Connection) ID() string {
	c.socketIDOnce.Do(func() {
		a, _ := rand.Int(rand.Reader, socketIDMax)
		b, _ := rand.Int(rand.Reader, socketIDMax)
		c.socketID = fmt.Sprintf("%d.%d", a.Int64(), b.Int64())
	})
	return c.socketID
}

// InternalID returns the opaque transport-scoped identifier. It is never
// sent on the wire; it exists so maps and sets can key on a comparable,
// collision-proof value distinct from the (weaker-entropy) socket_id.
func (c *Connection) InternalID() uuid.UUID { return c.id }

// App returns the owning Application.
func (c *Connection) App() domain.Application { return c.app }

// Origin returns the Origin header observed at handshake time, if any.
func (c *Connection) Origin() string { return c.origin }

// MaxMessageSize returns the per-connection frame-size ceiling.
func (c *Connection) MaxMessageSize() int { return c.maxMessageSize }

// Unwrap returns the underlying transport, letting a caller that knows the
// concrete type (e.g. the WebSocket upgrade handler wiring up read
// deadlines and a pong handler) reach past the Conn interface.
func (c *Connection) Unwrap() Conn { return c.conn }

// Send enqueues a pre-built wire frame. It never blocks: a full outbound
// queue is reported via the returned error and the connection is left for
// the caller to drop, matching the backpressure policy of spec.md §5.
func (c *Connection) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("connection: marshal frame: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrTransport(fmt.Errorf("connection closed"))
	}

	select {
	case c.send <- data:
		c.logger.Debug("message_sent", "socket_id", c.ID(), "bytes", len(data))
		return nil
	default:
		return domain.ErrTransport(fmt.Errorf("send buffer full"))
	}
}

// SendChan exposes the outbound queue for the write pump.
func (c *Connection) SendChan() <-chan []byte { return c.send }

// Touch records inbound activity: last_seen_at advances and the pending
// ping flag clears (spec.md §4.1).
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeenAt = time.Now()
	c.hasBeenPinged = false
}

// IsActive reports whether the connection has been heard from within its
// application's ping interval.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeenAt) < time.Duration(c.app.PingIntervalS)*time.Second
}

// IsStale reports whether a ping was sent and no activity has followed
// within the application's activity timeout.
func (c *Connection) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasBeenPinged && time.Since(c.lastSeenAt) >= time.Duration(c.app.ActivityTimeoutS)*time.Second
}

// Ping sends pusher:ping and marks the connection as awaiting a pong.
func (c *Connection) Ping() {
	c.mu.Lock()
	c.hasBeenPinged = true
	c.mu.Unlock()
	_ = c.Send(map[string]any{"event": "pusher:ping", "data": map[string]any{}})
}

// Disconnect closes the underlying transport. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// WritePump drains the send channel onto the transport until it closes.
// Each queued message is written as its own text frame so the peer can
// JSON.parse each one individually. Must run in its own goroutine.
func (c *Connection) WritePump() {
	wsConn, _ := c.conn.(*websocket.Conn)
	for msg := range c.send {
		if wsConn != nil {
			_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
