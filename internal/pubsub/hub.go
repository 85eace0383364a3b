package pubsub

import (
	"encoding/json"
	"log/slog"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/domain"
)

// messagePayload is the shape of Envelope.Payload for EnvelopeMessage.
type messagePayload struct {
	Event    string   `json:"event,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Data     any      `json:"data,omitempty"`
}

type terminatePayload struct {
	UserID string `json:"user_id"`
}

// Hub attaches the broker's generic bus message handler (spec.md §4.6): it
// demultiplexes "message" and "terminate" envelopes received from peer
// brokers into the local Channel Manager. Metrics envelope types are
// deliberately not handled here — internal/metrics registers its own
// handlers directly on the Provider to avoid a circular package
// dependency between pubsub and metrics.
type Hub struct {
	provider   Provider
	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewHub wires provider's message/terminate envelopes into channels and
// dispatcher, then returns the Hub. Call NewHub before provider.Connect so
// no early envelope is missed.
func NewHub(provider Provider, channels *channel.Manager, dispatcher *dispatch.Dispatcher) *Hub {
	h := &Hub{
		provider:   provider,
		channels:   channels,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "pubsub-hub"),
	}
	h.Attach()
	return h
}

// Attach registers this Hub's handlers on the provider.
func (h *Hub) Attach() {
	h.provider.On(EnvelopeMessage, h.handleMessage)
	h.provider.On(EnvelopeTerminate, h.handleTerminate)
}

func (h *Hub) handleMessage(env Envelope) {
	var p messagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.logger.Warn("discarding malformed message envelope", "error", err)
		return
	}
	h.dispatcher.DispatchRemote(env.Application, p.Channel, p.Channels, map[string]any{
		"event": p.Event,
		"data":  p.Data,
	}, env.SocketID)
}

// handleTerminate disconnects every local connection whose presence
// user_id matches the envelope's target (spec.md §4.6, §4.7
// terminate_connections).
func (h *Hub) handleTerminate(env Envelope) {
	var p terminatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.logger.Warn("discarding malformed terminate envelope", "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, ch := range h.channels.Channels(env.Application.AppID, "") {
		if !ch.Kind.IsPresence() {
			continue
		}
		for _, sub := range ch.Subscribers() {
			if sub.UserID() != p.UserID {
				continue
			}
			id := sub.Conn.ID()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			h.channels.UnsubscribeFromAll(env.Application.AppID, sub.Conn)
			sub.Conn.Disconnect()
		}
	}
}

// BusAdapter implements dispatch.Bus over a Provider, letting the
// Dispatcher mirror local publishes to the fleet without depending on the
// concrete pubsub package.
type BusAdapter struct {
	Provider Provider
}

// PublishMessage wraps payload as a "message" envelope and publishes it.
func (b BusAdapter) PublishMessage(app domain.Application, payload map[string]any, exceptSocketID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Provider.Publish(Envelope{
		Type:        EnvelopeMessage,
		Application: app,
		Payload:     data,
		SocketID:    exceptSocketID,
	})
}

// PublishTerminate publishes a "terminate" envelope for userID, used by the
// HTTP Control API's terminate_connections endpoint in distributed mode.
func (b BusAdapter) PublishTerminate(app domain.Application, userID string) error {
	data, err := json.Marshal(terminatePayload{UserID: userID})
	if err != nil {
		return err
	}
	return b.Provider.Publish(Envelope{
		Type:        EnvelopeTerminate,
		Application: app,
		Payload:     data,
	})
}
