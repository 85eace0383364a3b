// Package protocol implements the per-connection state machine that
// interprets client WebSocket frames (spec.md §4.3).
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/domain"
)

// State is one of the three lifecycle phases a connection's state machine
// passes through.
type State int

const (
	StateHandshake State = iota
	StateOpen
	StateClosing
)

// StateMachine owns frame interpretation for exactly one Connection.
type StateMachine struct {
	conn       *connection.Connection
	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher

	mu         sync.Mutex
	state      State
	subscribed map[string]channel.Kind // channel name -> kind, for client-* gating

	logger *slog.Logger
}

// New creates a StateMachine bound to conn. It starts in StateHandshake.
func New(conn *connection.Connection, channels *channel.Manager, dispatcher *dispatch.Dispatcher) *StateMachine {
	return &StateMachine{
		conn:       conn,
		channels:   channels,
		dispatcher: dispatcher,
		state:      StateHandshake,
		subscribed: make(map[string]channel.Kind),
		logger:     slog.Default().With("component", "protocol"),
	}
}

// Start completes the handshake: it emits pusher:connection_established
// and transitions to StateOpen. The caller is responsible for having
// already verified the application's origin policy (spec.md §4.2
// InvalidOrigin) before calling Start.
func (sm *StateMachine) Start() error {
	sm.mu.Lock()
	sm.state = StateOpen
	sm.mu.Unlock()

	app := sm.conn.App()
	data, _ := json.Marshal(map[string]any{
		"socket_id":       sm.conn.ID(),
		"activity_timeout": app.ActivityTimeoutS,
	})
	return sm.conn.Send(map[string]any{
		"event": EventConnectionEstablished,
		"data":  string(data),
	})
}

// HandleFrame interprets one inbound text frame per the transition table
// in spec.md §4.3. Touch() is always called first, regardless of outcome.
func (sm *StateMachine) HandleFrame(raw []byte) {
	sm.conn.Touch()

	sm.mu.Lock()
	closing := sm.state == StateClosing
	sm.mu.Unlock()
	if closing {
		return
	}

	if len(raw) > sm.conn.MaxMessageSize() {
		sm.Close(domain.CloseMessageTooBig, "message exceeds max_message_size_bytes")
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sm.sendError(domain.CloseInvalidMessage, "malformed frame")
		return
	}

	switch {
	case frame.Event == EventPing:
		_ = sm.conn.Send(map[string]any{"event": EventPong, "data": map[string]any{}})

	case frame.Event == EventPong:
		// touch() above already cleared has_been_pinged; nothing else to do.

	case frame.Event == EventSubscribe:
		sm.handleSubscribe(frame.Data)

	case frame.Event == EventUnsubscribe:
		sm.handleUnsubscribe(frame.Data)

	case IsClientEvent(frame.Event):
		sm.handleClientEvent(frame)

	default:
		sm.logger.Debug("unknown_event", "event", frame.Event, "socket_id", sm.conn.ID())
		sm.sendError(domain.CloseInvalidMessage, fmt.Sprintf("unknown event: %s", frame.Event))
	}
}

func (sm *StateMachine) handleSubscribe(raw json.RawMessage) {
	var sub subscribeData
	if err := json.Unmarshal(raw, &sub); err != nil || sub.Channel == "" {
		sm.sendError(domain.CloseInvalidMessage, "subscribe requires a channel name")
		return
	}

	app := sm.conn.App()
	err := sm.channels.Subscribe(app.AppID, sm.conn, sub.Channel, sub.Auth, sub.ChannelData)
	if err != nil {
		code := domain.CloseSubscriptionFailed
		if be, ok := err.(*domain.BrokerError); ok && be.Code != 0 {
			code = be.Code
		}
		sm.sendSubscriptionError(sub.Channel, code, err.Error())
		return
	}

	sm.mu.Lock()
	sm.subscribed[sub.Channel] = channel.KindForName(sub.Channel)
	sm.mu.Unlock()
}

func (sm *StateMachine) handleUnsubscribe(raw json.RawMessage) {
	var uns unsubscribeData
	if err := json.Unmarshal(raw, &uns); err != nil || uns.Channel == "" {
		sm.sendError(domain.CloseInvalidMessage, "unsubscribe requires a channel name")
		return
	}

	app := sm.conn.App()
	sm.channels.Unsubscribe(app.AppID, sm.conn, uns.Channel)

	sm.mu.Lock()
	delete(sm.subscribed, uns.Channel)
	sm.mu.Unlock()
}

// handleClientEvent dispatches a client-* event to its named channel as an
// external broadcast with the sender excluded, but only if the sender is
// currently subscribed to that channel and the channel is private-family
// (spec.md §4.3). Any other case is dropped silently.
func (sm *StateMachine) handleClientEvent(frame ClientFrame) {
	if frame.Channel == "" {
		return
	}

	sm.mu.Lock()
	kind, subscribed := sm.subscribed[frame.Channel]
	sm.mu.Unlock()
	if !subscribed || !kind.IsPrivateFamily() {
		return
	}

	app := sm.conn.App()
	sm.dispatcher.Dispatch(app, dispatch.Payload{
		Event:   frame.Event,
		Channel: frame.Channel,
		Data:    json.RawMessage(frame.Data),
	}, sm.conn)
}

// Close transitions to StateClosing, sends a final pusher:error frame
// carrying code, and disconnects the transport. Idempotent.
func (sm *StateMachine) Close(code int, reason string) {
	sm.mu.Lock()
	if sm.state == StateClosing {
		sm.mu.Unlock()
		return
	}
	sm.state = StateClosing
	sm.mu.Unlock()

	sm.logger.Info("connection_closing", "socket_id", sm.conn.ID(), "code", code, "reason", reason)
	sm.sendError(code, reason)
	sm.conn.Disconnect()
}

func (sm *StateMachine) sendError(code int, message string) {
	_ = sm.conn.Send(map[string]any{
		"event": EventError,
		"data": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (sm *StateMachine) sendSubscriptionError(channelName string, code int, message string) {
	data, _ := json.Marshal(map[string]any{"type": "AuthError", "error": message, "status": code})
	_ = sm.conn.Send(map[string]any{
		"event":   EventSubscriptionError,
		"channel": channelName,
		"data":    string(data),
	})
	sm.sendError(code, message)
}
