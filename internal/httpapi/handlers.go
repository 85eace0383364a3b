package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/domain"
	"github.com/tomnagengast/revurb/internal/httpapi/middleware"
	"github.com/tomnagengast/revurb/internal/metrics"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

// maxBatchEvents bounds POST /batch_events per spec.md §4.7.
const maxBatchEvents = 10

// controlHandlers implements the signed HTTP Control API of spec.md §4.7:
// publish, batch publish, channel/occupancy inspection, and user-connection
// termination.
type controlHandlers struct {
	channels   *channel.Manager
	conns      *connection.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Handler
	bus        *pubsub.BusAdapter // nil in single-node mode
}

// up answers GET /apps/{appId}/up. It is reachable only once RequireApp has
// resolved a known tenant, so by the time this runs the only possible
// response is liveness.
func (h *controlHandlers) up(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"health": "OK"})
}

// publishEventRequest is the shared shape of a single event, used both for
// POST /events and each element of POST /batch_events's batch array.
type publishEventRequest struct {
	Name     string   `json:"name"`
	Data     string   `json:"data"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	SocketID string   `json:"socket_id,omitempty"`
	Info     string   `json:"info,omitempty"`
}

// fieldError names one invalid field in a validation failure, matching the
// per-item field errors spec.md §4.7 requires of POST /batch_events.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validate checks req against spec.md §4.2/§4.7's publish requirements. It
// returns every violation found, not just the first, so callers can report
// a complete per-item error list.
func (req publishEventRequest) validate(app domain.Application) []fieldError {
	var errs []fieldError
	if req.Name == "" {
		errs = append(errs, fieldError{Field: "name", Message: "is required"})
	}
	if req.Channel == "" && len(req.Channels) == 0 {
		errs = append(errs, fieldError{Field: "channel", Message: "channel or channels is required"})
	}
	if len(req.Channels) > 0 && req.Channel != "" {
		errs = append(errs, fieldError{Field: "channels", Message: "channel and channels are mutually exclusive"})
	}
	if app.MaxMessageSizeByte > 0 && len(req.Data) > app.MaxMessageSizeByte {
		errs = append(errs, fieldError{Field: "data", Message: "exceeds max_message_size_bytes"})
	}
	return errs
}

// dispatchPayload fans req out through the dispatcher and, if req.Info
// requested channel info fields, returns an info object for each target
// channel, keyed by channel name; the callers unwrap the single-channel case.
func (h *controlHandlers) dispatchPayload(ctx context.Context, app domain.Application, req publishEventRequest) map[string]metrics.ChannelInfo {
	h.dispatcher.DispatchExceptSocketID(app, dispatch.Payload{
		Name:     req.Name,
		Channel:  req.Channel,
		Channels: req.Channels,
		Data:     req.Data,
	}, req.SocketID)

	if req.Info == "" {
		return nil
	}

	fields := splitCSV(req.Info)
	names := req.Channels
	if req.Channel != "" {
		names = []string{req.Channel}
	}

	out := make(map[string]metrics.ChannelInfo, len(names))
	for _, name := range names {
		result := h.metrics.Collect(ctx, app, metrics.CollectRequest{
			AppID:       app.AppID,
			Kind:        "channel",
			ChannelName: name,
			Fields:      fields,
		})
		if info, ok := result.Channels[name]; ok {
			out[name] = info
		}
	}
	return out
}

// publishEvent implements POST /apps/{appId}/events.
func (h *controlHandlers) publishEvent(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())

	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "malformed JSON body")
		return
	}

	if errs := req.validate(app); len(errs) > 0 {
		ErrorWithDetails(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "validation failed", errs)
		return
	}

	info := h.dispatchPayload(r.Context(), app, req)
	if len(info) == 1 && req.Channel != "" {
		JSON(w, http.StatusOK, info[req.Channel])
		return
	}
	if len(info) > 0 {
		JSON(w, http.StatusOK, info)
		return
	}
	JSON(w, http.StatusOK, map[string]any{})
}

// batchEventsRequest is the decode target for POST /batch_events.
type batchEventsRequest struct {
	Batch []publishEventRequest `json:"batch"`
}

// publishBatch implements POST /apps/{appId}/batch_events. Up to 10 items;
// a validation failure on any item reports 422 with every item's field
// errors, matching spec.md §4.7 — no events are dispatched if any item in
// the batch fails validation.
func (h *controlHandlers) publishBatch(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())

	var req batchEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "malformed JSON body")
		return
	}

	if len(req.Batch) == 0 {
		Error(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "batch must contain at least one event")
		return
	}
	if len(req.Batch) > maxBatchEvents {
		Error(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, fmt.Sprintf("batch exceeds maximum of %d events", maxBatchEvents))
		return
	}

	itemErrors := make([]any, len(req.Batch))
	hasErrors := false
	for i, item := range req.Batch {
		if errs := item.validate(app); len(errs) > 0 {
			itemErrors[i] = errs
			hasErrors = true
		} else {
			itemErrors[i] = nil
		}
	}
	if hasErrors {
		ErrorWithDetails(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "validation failed", itemErrors)
		return
	}

	results := make([]any, len(req.Batch))
	for i, item := range req.Batch {
		info := h.dispatchPayload(r.Context(), app, item)
		if len(info) == 1 && item.Channel != "" {
			results[i] = info[item.Channel]
		} else if len(info) > 0 {
			results[i] = info
		} else {
			results[i] = map[string]any{}
		}
	}

	JSON(w, http.StatusOK, map[string]any{"batch": results})
}

// allowedInfoFields gates the `info` query parameter on GET /channels and
// GET /channels/{name}, per spec.md §4.7.
var allowedInfoFields = map[string]struct{}{
	"occupied":           {},
	"user_count":         {},
	"subscription_count": {},
	"cache":              {},
}

func filterInfoFields(csv string) []string {
	var out []string
	for _, f := range splitCSV(csv) {
		if _, ok := allowedInfoFields[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// listChannels implements GET /apps/{appId}/channels.
func (h *controlHandlers) listChannels(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())
	q := r.URL.Query()

	result := h.metrics.Collect(r.Context(), app, metrics.CollectRequest{
		AppID:        app.AppID,
		Kind:         "channels",
		FilterPrefix: q.Get("filter_by_prefix"),
		Fields:       filterInfoFields(q.Get("info")),
	})

	JSON(w, http.StatusOK, map[string]any{"channels": result.Channels})
}

// channelInfo implements GET /apps/{appId}/channels/{name}.
func (h *controlHandlers) channelInfo(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())
	name := mux.Vars(r)["name"]
	q := r.URL.Query()

	result := h.metrics.Collect(r.Context(), app, metrics.CollectRequest{
		AppID:       app.AppID,
		Kind:        "channel",
		ChannelName: name,
		Fields:      filterInfoFields(q.Get("info")),
	})

	info, ok := result.Channels[name]
	if !ok {
		JSON(w, http.StatusOK, metrics.ChannelInfo{Occupied: false})
		return
	}
	JSON(w, http.StatusOK, info)
}

// channelUsers implements GET /apps/{appId}/channels/{name}/users. Only
// meaningful for presence channels; a non-presence channel reports an
// empty user list rather than an error, matching Reverb's behavior.
func (h *controlHandlers) channelUsers(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())
	name := mux.Vars(r)["name"]

	result := h.metrics.Collect(r.Context(), app, metrics.CollectRequest{
		AppID:       app.AppID,
		Kind:        "users",
		ChannelName: name,
	})

	users := make([]map[string]string, 0, len(result.Users))
	for _, id := range result.Users {
		users = append(users, map[string]string{"id": id})
	}
	JSON(w, http.StatusOK, map[string]any{"users": users})
}

// listConnections implements GET /apps/{appId}/connections.
func (h *controlHandlers) listConnections(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())

	result := h.metrics.Collect(r.Context(), app, metrics.CollectRequest{
		AppID: app.AppID,
		Kind:  "connections",
	})

	JSON(w, http.StatusOK, map[string]any{"connections": result.Connections})
}

// terminateUser implements POST /apps/{appId}/users/{userId}/terminate_connections.
// It force-disconnects every local connection whose presence user_id
// matches, and in distributed mode publishes a "terminate" envelope so peer
// brokers do the same for any connections they host.
func (h *controlHandlers) terminateUser(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())
	userID := mux.Vars(r)["userId"]

	seen := make(map[string]struct{})
	for _, ch := range h.channels.Channels(app.AppID, "") {
		if !ch.Kind.IsPresence() {
			continue
		}
		for _, sub := range ch.Subscribers() {
			if sub.UserID() != userID {
				continue
			}
			id := sub.Conn.ID()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			h.channels.UnsubscribeFromAll(app.AppID, sub.Conn)
			sub.Conn.Disconnect()
		}
	}

	if h.bus != nil {
		_ = h.bus.PublishTerminate(app, userID)
	}

	JSON(w, http.StatusOK, map[string]any{})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
