// Package dispatch routes one published payload to the one or many channels
// it names, applying sender-exclusion, per spec.md §4.4. It is a plain
// value passed to callers rather than a package-level facade — spec.md §9
// calls out the source's static-bus shape as something to avoid in a Go
// port.
package dispatch

import (
	"log/slog"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/domain"
)

// Bus is the subset of the Pub/Sub Provider the dispatcher needs to mirror
// a publish across the fleet. Kept minimal and local to this package so
// dispatch does not import the concrete pubsub implementations.
type Bus interface {
	PublishMessage(app domain.Application, payload map[string]any, exceptSocketID string) error
}

// Dispatcher routes publishes to the local Channel Manager and, if a Bus is
// configured, mirrors them to peer brokers.
type Dispatcher struct {
	channels *channel.Manager
	bus      Bus
	logger   *slog.Logger

	// OnDispatch is an optional hook invoked after each channel delivery,
	// reporting how many subscribers actually received the payload. nil by
	// default so a Dispatcher built with New never needs one wired.
	OnDispatch func(appID, channelName string, recipients int)
}

// New creates a Dispatcher over the given Channel Manager. bus may be nil
// for single-node deployments.
func New(channels *channel.Manager, bus Bus) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		bus:      bus,
		logger:   slog.Default().With("component", "dispatcher"),
	}
}

// Payload is the normalized shape of a publish request: it targets either
// a single Channel or a Channels list, never both once normalized.
type Payload struct {
	Event    string   `json:"event,omitempty"`
	Name     string   `json:"name,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// targets builds the target channel-name list per spec.md §4.4 step 1:
// Channels if present, else the singular Channel, else empty.
func targets(p Payload) []string {
	if len(p.Channels) > 0 {
		return p.Channels
	}
	if p.Channel != "" {
		return []string{p.Channel}
	}
	return nil
}

// Dispatch fans payload out to every channel it names. except, if non-nil,
// identifies a connection whose socket_id is excluded from delivery on
// every target channel ("echo prevention"). When a Bus is configured the
// publish is also mirrored to peer brokers as a "message" envelope.
func (d *Dispatcher) Dispatch(app domain.Application, p Payload, except *connection.Connection) {
	exceptSocketID := ""
	if except != nil {
		exceptSocketID = except.ID()
	}
	d.dispatch(app, p, exceptSocketID)
}

// DispatchExceptSocketID is Dispatch for callers that only know the
// excluded socket_id string, not the *connection.Connection itself — the
// HTTP Control API's events endpoint receives socket_id as a JSON field,
// never a live connection handle.
func (d *Dispatcher) DispatchExceptSocketID(app domain.Application, p Payload, exceptSocketID string) {
	d.dispatch(app, p, exceptSocketID)
}

func (d *Dispatcher) dispatch(app domain.Application, p Payload, exceptSocketID string) {
	eventName := p.Event
	if eventName == "" {
		eventName = p.Name
	}

	for _, name := range targets(p) {
		frame := map[string]any{
			"event":   eventName,
			"channel": name,
			"data":    p.Data,
		}
		n := d.channels.Broadcast(app.AppID, name, frame, exceptSocketID)
		if d.OnDispatch != nil && n >= 0 {
			d.OnDispatch(app.AppID, name, n)
		}
	}

	if d.bus != nil {
		frame := map[string]any{"event": eventName, "data": p.Data}
		if len(targets(p)) == 1 {
			frame["channel"] = targets(p)[0]
		} else {
			frame["channels"] = targets(p)
		}
		if err := d.bus.PublishMessage(app, frame, exceptSocketID); err != nil {
			d.logger.Warn("bus publish failed", "error", err, "app_id", app.AppID)
		}
	}
}

// DispatchRemote handles a message envelope received from the Pub/Sub Bus,
// originated by a peer broker. exceptSocketID is resolved locally: it may
// be empty, which is correct on a remote receiver since the excluded
// connection (the original sender) is never hosted there.
func (d *Dispatcher) DispatchRemote(app domain.Application, channelName string, channels []string, payload map[string]any, exceptSocketID string) {
	names := channels
	if len(names) == 0 && channelName != "" {
		names = []string{channelName}
	}
	for _, name := range names {
		frame := map[string]any{
			"event":   payload["event"],
			"channel": name,
			"data":    payload["data"],
		}
		n := d.channels.Broadcast(app.AppID, name, frame, exceptSocketID)
		if d.OnDispatch != nil && n >= 0 {
			d.OnDispatch(app.AppID, name, n)
		}
	}
}
