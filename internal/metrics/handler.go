package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/domain"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

// collectTimeout bounds how long Collect waits for peer responses before
// returning whatever it has gathered so far (spec.md §4.6/§4.8).
const collectTimeout = 10 * time.Second

// ChannelInfo is the per-channel info object the Control API returns,
// carrying only the fields the caller asked for (spec.md §4.7).
type ChannelInfo struct {
	Occupied          bool `json:"occupied"`
	UserCount         *int `json:"user_count,omitempty"`
	SubscriptionCount *int `json:"subscription_count,omitempty"`
	Cache             any  `json:"cache,omitempty"`
}

// CollectRequest names what to gather. Kind selects the local computation;
// FilterPrefix and ChannelName narrow it; Fields lists which ChannelInfo
// fields the caller wants populated.
type CollectRequest struct {
	AppID        string   `json:"app_id"`
	Kind         string   `json:"kind"` // "channels", "channel", "users", "connections"
	FilterPrefix string   `json:"filter_prefix,omitempty"`
	ChannelName  string   `json:"channel_name,omitempty"`
	Fields       []string `json:"fields,omitempty"`
}

// CollectResult is the merged view across every responding broker.
type CollectResult struct {
	Channels    map[string]ChannelInfo `json:"channels,omitempty"`
	Users       []string               `json:"users,omitempty"`
	Connections []string               `json:"connections,omitempty"`
}

func newCollectResult() CollectResult {
	return CollectResult{Channels: make(map[string]ChannelInfo)}
}

// merge folds other into r, deduplicating Users/Connections and keeping the
// richer ChannelInfo (occupied wins, counts from whichever side set them).
func (r *CollectResult) merge(other CollectResult) {
	for name, info := range other.Channels {
		existing, ok := r.Channels[name]
		if !ok {
			r.Channels[name] = info
			continue
		}
		if info.Occupied {
			existing.Occupied = true
		}
		if info.UserCount != nil {
			existing.UserCount = info.UserCount
		}
		if info.SubscriptionCount != nil {
			existing.SubscriptionCount = info.SubscriptionCount
		}
		if info.Cache != nil {
			existing.Cache = info.Cache
		}
		r.Channels[name] = existing
	}
	r.Users = dedupeAppend(r.Users, other.Users...)
	r.Connections = dedupeAppend(r.Connections, other.Connections...)
}

func dedupeAppend(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			base = append(base, v)
		}
	}
	return base
}

// Handler answers channel/connection/user queries, merging this broker's
// local state with peer responses gathered over a Pub/Sub Provider when one
// is configured.
type Handler struct {
	channels  *channel.Manager
	provider  pubsub.Provider // nil in single-node mode
	peerCount int             // number of other brokers expected to answer

	mu      sync.Mutex
	inboxes map[string]chan CollectResult

	logger *slog.Logger
}

// NewHandler creates a Handler. provider may be nil for single-node
// deployments, in which case Collect always resolves from local state only.
// peerCount is the number of OTHER brokers expected to respond to a fan-out
// request; zero means this broker has no known peers, so Collect takes the
// local-only fast path even with a provider configured.
func NewHandler(channels *channel.Manager, provider pubsub.Provider, peerCount int) *Handler {
	h := &Handler{
		channels:  channels,
		provider:  provider,
		peerCount: peerCount,
		inboxes:   make(map[string]chan CollectResult),
		logger:    slog.Default().With("component", "metrics-handler"),
	}
	if provider != nil {
		provider.On(pubsub.EnvelopeMetrics, h.handlePeerRequest)
		provider.On(pubsub.EnvelopeMetricsRetrieved, h.handlePeerResult)
	}
	return h
}

// Collect gathers req's answer. In single-node mode, or when no peers are
// known, it resolves synchronously from local state. Otherwise it publishes
// a "metrics" envelope and waits up to 10s for "metrics-retrieved" replies
// from every known peer, returning a merged (possibly partial) result as
// soon as either every peer has answered or the timeout elapses.
func (h *Handler) Collect(ctx context.Context, app domain.Application, req CollectRequest) CollectResult {
	result := h.local(req)

	if h.provider == nil || h.peerCount <= 0 {
		return result
	}

	key := uuid.NewString()
	inbox := make(chan CollectResult, 64)
	h.mu.Lock()
	h.inboxes[key] = inbox
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inboxes, key)
		h.mu.Unlock()
	}()

	payload, _ := json.Marshal(req)
	if err := h.provider.Publish(pubsub.Envelope{
		Type:        pubsub.EnvelopeMetrics,
		Application: app,
		Key:         key,
		Payload:     payload,
	}); err != nil {
		h.logger.Warn("metrics request publish failed", "error", err)
		return result
	}

	deadline := time.NewTimer(collectTimeout)
	defer deadline.Stop()
	answered := 0
	for {
		select {
		case <-ctx.Done():
			return result
		case <-deadline.C:
			return result
		case peerResult := <-inbox:
			result.merge(peerResult)
			answered++
			if answered >= h.peerCount {
				return result
			}
		}
	}
}

// handlePeerRequest answers a peer's "metrics" envelope with this broker's
// local view, correlated by the same key.
func (h *Handler) handlePeerRequest(env pubsub.Envelope) {
	// The bus also hands this broker its own requests; Collect already holds
	// the local view, so only other brokers answer.
	h.mu.Lock()
	_, own := h.inboxes[env.Key]
	h.mu.Unlock()
	if own {
		return
	}

	var req CollectRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		h.logger.Warn("discarding malformed metrics request", "error", err)
		return
	}

	result := h.local(req)
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = h.provider.Publish(pubsub.Envelope{
		Type:        pubsub.EnvelopeMetricsRetrieved,
		Application: env.Application,
		Key:         env.Key,
		Payload:     payload,
	})
}

// handlePeerResult routes an inbound "metrics-retrieved" envelope to the
// outstanding Collect call waiting on its key, if any is still open.
func (h *Handler) handlePeerResult(env pubsub.Envelope) {
	var result CollectResult
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		h.logger.Warn("discarding malformed metrics result", "error", err)
		return
	}

	h.mu.Lock()
	inbox, ok := h.inboxes[env.Key]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case inbox <- result:
	default:
	}
}

func (h *Handler) local(req CollectRequest) CollectResult {
	result := newCollectResult()
	fields := make(map[string]struct{}, len(req.Fields))
	for _, f := range req.Fields {
		fields[f] = struct{}{}
	}
	_, wantUsers := fields["user_count"]
	_, wantSubs := fields["subscription_count"]
	_, wantCache := fields["cache"]

	switch req.Kind {
	case "channel":
		if ch, ok := h.channels.Find(req.AppID, req.ChannelName); ok {
			result.Channels[req.ChannelName] = channelInfo(ch, wantUsers, wantSubs, wantCache)
		}

	case "channels":
		for _, ch := range h.channels.Channels(req.AppID, req.FilterPrefix) {
			result.Channels[ch.Name] = channelInfo(ch, wantUsers, wantSubs, wantCache)
		}

	case "users":
		if ch, ok := h.channels.Find(req.AppID, req.ChannelName); ok && ch.Kind.IsPresence() {
			result.Users = ch.UserIDs()
		}

	case "connections":
		for _, c := range h.channels.Connections(req.AppID, req.ChannelName) {
			result.Connections = append(result.Connections, c.ID())
		}
	}

	return result
}

func channelInfo(ch *channel.Channel, wantUsers, wantSubs, wantCache bool) ChannelInfo {
	info := ChannelInfo{Occupied: ch.Len() > 0}
	if wantUsers && ch.Kind.IsPresence() {
		n := ch.UserCount()
		info.UserCount = &n
	}
	if wantSubs {
		n := ch.Len()
		info.SubscriptionCount = &n
	}
	if wantCache && ch.Kind.IsCache() {
		info.Cache = ch.LastPayload()
	}
	return info
}
