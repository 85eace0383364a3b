package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tomnagengast/revurb/internal/audit"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/domain"
	"github.com/tomnagengast/revurb/internal/metrics"
	"github.com/tomnagengast/revurb/internal/protocol"
)

// Pong-wait and read-limit bound the inbound half of the socket; the
// outbound half (writeWait, ping cadence) is the owning Application's
// ping_interval_s, enforced by background.Runner rather than here.
const pongWait = 120 * time.Second

// AppByKeyLookup is the subset of config.AppRegistry the WebSocket gateway
// needs: resolving the {appKey} path segment to an Application.
type AppByKeyLookup interface {
	ByKey(key string) (domain.Application, bool)
}

// WebSocketHandler upgrades ws(s)://host/app/{appKey} connections and hands
// them to the protocol state machine.
type WebSocketHandler struct {
	apps       AppByKeyLookup
	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher
	conns      *connection.Registry

	// Metrics and Audit are optional observation sinks for connection
	// lifecycle events. Both are nil-safe: NewWebSocketHandler leaves them
	// unset, and the caller assigns them directly when wiring a full
	// deployment (cmd/server/main.go).
	Metrics *metrics.Registry
	Audit   *audit.Sink

	logger *slog.Logger
}

// NewWebSocketHandler creates a WebSocketHandler. conns tracks every live
// connection regardless of channel subscription, for the background jobs
// and the Control API's /connections listing.
func NewWebSocketHandler(apps AppByKeyLookup, channels *channel.Manager, dispatcher *dispatch.Dispatcher, conns *connection.Registry) *WebSocketHandler {
	return &WebSocketHandler{
		apps:       apps,
		channels:   channels,
		dispatcher: dispatcher,
		conns:      conns,
		logger:     slog.Default().With("component", "ws-gateway"),
	}
}

// upgraderFor builds a websocket.Upgrader whose CheckOrigin enforces app's
// allowed_origins policy, parameterized per-Application instead of a single
// static allowlist.
func upgraderFor(app domain.Application) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return app.AllowsOrigin(r.Header.Get("Origin"))
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appKey := mux.Vars(r)["appKey"]
	app, ok := h.apps.ByKey(appKey)
	if !ok {
		h.rejectAfterUpgrade(w, r, domain.Application{}, domain.CloseAppNotFound, "could not find app by key "+appKey)
		return
	}

	if !app.AllowsOrigin(r.Header.Get("Origin")) {
		h.rejectAfterUpgrade(w, r, app, domain.CloseUnauthorized, "origin not allowed")
		return
	}
	if app.ConnectionLimitExceeded(h.conns.Count(app.AppID)) {
		h.rejectAfterUpgrade(w, r, app, domain.CloseConnectionLimit, "connection limit exceeded")
		return
	}

	upgrader := upgraderFor(app)
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "app_id", app.AppID)
		return
	}

	conn := connection.New(wsConn, app, r.Header.Get("Origin"))
	conn.SetRequestMetadata(r.RemoteAddr, r.Header.Get("User-Agent"))

	sm := protocol.New(conn, h.channels, h.dispatcher)
	if err := sm.Start(); err != nil {
		h.logger.Warn("handshake send failed", "error", err, "app_id", app.AppID)
		conn.Disconnect()
		return
	}

	h.conns.Add(app.AppID, conn)
	h.logger.Info("connection_opened", "app_id", app.AppID, "socket_id", conn.ID())
	if h.Metrics != nil {
		h.Metrics.Connections.Inc()
	}
	if h.Audit != nil {
		h.Audit.ConnectionOpened(app.AppID, conn.ID())
	}

	go conn.WritePump()
	h.readPump(conn, sm, app)
}

// readPump owns the inbound half of the socket. It runs on the goroutine
// that called ServeHTTP (the net/http handler goroutine): write runs
// separately, read blocks the handler until the peer disconnects or a
// protocol-level close occurs.
func (h *WebSocketHandler) readPump(conn *connection.Connection, sm *protocol.StateMachine, app domain.Application) {
	wsConn, ok := conn.Unwrap().(*websocket.Conn)
	if !ok {
		return
	}

	defer func() {
		h.channels.UnsubscribeFromAll(app.AppID, conn)
		h.conns.Remove(app.AppID, conn)
		conn.Disconnect()
		h.logger.Info("connection_closed", "app_id", app.AppID, "socket_id", conn.ID())
		if h.Metrics != nil {
			h.Metrics.Connections.Dec()
		}
		if h.Audit != nil {
			h.Audit.ConnectionClosed(app.AppID, conn.ID())
		}
	}()

	_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("unexpected close", "error", err, "socket_id", conn.ID())
			}
			return
		}
		sm.HandleFrame(raw)
	}
}

// rejectAfterUpgrade completes the handshake so a Pusher-protocol error
// frame can be sent on the wire (spec.md §6: "unknown appKey -> close with
// pusher:error 4001"), then immediately closes. app may be the zero value
// when the rejection happens before an Application was resolved.
func (h *WebSocketHandler) rejectAfterUpgrade(w http.ResponseWriter, r *http.Request, app domain.Application, code int, message string) {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := connection.New(wsConn, app, r.Header.Get("Origin"))
	err = conn.Send(map[string]any{
		"event": protocol.EventError,
		"data":  map[string]any{"code": code, "message": message},
	})
	if err == nil {
		// No write pump runs for a rejected socket: write the queued frame here.
		_ = wsConn.WriteMessage(websocket.TextMessage, <-conn.SendChan())
	}
	conn.Disconnect()
}
