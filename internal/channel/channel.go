package channel

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/domain"
)

// Subscriber wraps a Connection with channel-scoped metadata (spec.md §3
// "ChannelConnection"). Data holds user_id/user_info for presence channels
// and is empty for public/private/cache channels.
type Subscriber struct {
	Conn *connection.Connection
	Data map[string]any
}

// UserID extracts the presence user_id from Data, if present.
func (s *Subscriber) UserID() string {
	if s.Data == nil {
		return ""
	}
	uid, _ := s.Data["user_id"].(string)
	return uid
}

// UserInfo extracts the presence user_info from Data, if present.
func (s *Subscriber) UserInfo() any {
	if s.Data == nil {
		return nil
	}
	return s.Data["user_info"]
}

// Channel is a named multicast group within one tenant. Its behavior
// branches on Kind rather than dispatching through a type hierarchy, per
// spec.md §9.
type Channel struct {
	Name string
	Kind Kind

	mu          sync.RWMutex
	subscribers map[string]*Subscriber // keyed by socket_id
	presence    map[string]map[string]struct{} // user_id -> set of socket_ids
	lastPayload map[string]any                 // cache-family only

	logger *slog.Logger
}

// New creates an empty Channel of the kind implied by name.
func New(name string) *Channel {
	return &Channel{
		Name:        name,
		Kind:        KindForName(name),
		subscribers: make(map[string]*Subscriber),
		presence:    make(map[string]map[string]struct{}),
		logger:      slog.Default().With("component", "channel", "channel", name),
	}
}

// Len returns the current subscriber count.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// Subscribers returns a snapshot slice of current subscribers.
func (c *Channel) Subscribers() []*Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Subscriber, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		out = append(out, s)
	}
	return out
}

// UserCount returns the number of distinct presence user_ids currently
// subscribed. Zero for non-presence channels.
func (c *Channel) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.presence)
}

// UserIDs returns the distinct presence user_ids currently subscribed.
func (c *Channel) UserIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.presence))
	for id := range c.presence {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe runs the full subscribe contract of spec.md §4.2: auth check,
// presence channel_data validation, registration, subscription_succeeded
// reply, presence member_added fan-out, and cache replay/miss.
func (c *Channel) Subscribe(conn *connection.Connection, auth, channelData string) error {
	app := conn.App()

	if c.Kind.RequiresAuth() {
		if auth == "" || !VerifySubscriptionAuth(app, conn.ID(), c.Name, auth, channelData) {
			return domain.ErrAuth("subscription signature mismatch")
		}
	}

	var data map[string]any
	if c.Kind.IsPresence() {
		if channelData == "" {
			return domain.ErrAuth("presence channel requires channel_data")
		}
		if err := json.Unmarshal([]byte(channelData), &data); err != nil {
			return domain.ErrAuth("presence channel_data must be a JSON object")
		}
		if _, ok := data["user_id"]; !ok {
			return domain.ErrAuth("presence channel_data must include user_id")
		}
	}

	sub := &Subscriber{Conn: conn, Data: data}
	socketID := conn.ID()

	c.mu.Lock()
	c.subscribers[socketID] = sub
	firstForUser := false
	if c.Kind.IsPresence() {
		uid := sub.UserID()
		set, ok := c.presence[uid]
		if !ok {
			set = make(map[string]struct{})
			c.presence[uid] = set
			firstForUser = true
		}
		set[socketID] = struct{}{}
	}
	lastPayload := c.lastPayload
	c.mu.Unlock()

	c.sendSubscriptionSucceeded(sub)

	if c.Kind.IsPresence() && firstForUser {
		c.fanOutInternal(map[string]any{
			"event":   "pusher_internal:member_added",
			"channel": c.Name,
			"data":    mustJSON(map[string]any{"user_id": sub.UserID(), "user_info": sub.UserInfo()}),
		}, socketID)
	}

	if c.Kind.IsCache() {
		if lastPayload != nil {
			replay := map[string]any{
				"event":   lastPayload["event"],
				"channel": c.Name,
				"data":    lastPayload["data"],
			}
			_ = conn.Send(replay)
		} else {
			_ = conn.Send(map[string]any{"event": "pusher:cache_miss", "channel": c.Name})
		}
	}

	return nil
}

// sendSubscriptionSucceeded replies to the subscribing connection only.
// Presence channels carry the full presence snapshot; everything else
// carries an empty object, matching spec.md §4.2.
func (c *Channel) sendSubscriptionSucceeded(sub *Subscriber) {
	var data string
	if c.Kind.IsPresence() {
		c.mu.RLock()
		ids := make([]string, 0, len(c.presence))
		hash := make(map[string]any, len(c.presence))
		for uid, sockets := range c.presence {
			ids = append(ids, uid)
			for sid := range sockets {
				if s, ok := c.subscribers[sid]; ok {
					hash[uid] = s.UserInfo()
				}
				break
			}
		}
		count := len(c.presence)
		c.mu.RUnlock()
		data = mustJSON(map[string]any{
			"presence": map[string]any{
				"ids":   ids,
				"hash":  hash,
				"count": count,
			},
		})
	} else {
		data = "{}"
	}

	_ = sub.Conn.Send(map[string]any{
		"event":   "pusher_internal:subscription_succeeded",
		"channel": c.Name,
		"data":    data,
	})
}

// Unsubscribe removes conn from the subscriber set, firing member_removed
// if it was the last connection belonging to its presence user_id. It
// returns true if the channel is now empty and should be reclaimed.
func (c *Channel) Unsubscribe(conn *connection.Connection) bool {
	socketID := conn.ID()

	c.mu.Lock()
	sub, ok := c.subscribers[socketID]
	if !ok {
		empty := len(c.subscribers) == 0
		c.mu.Unlock()
		return empty
	}
	delete(c.subscribers, socketID)

	lastForUser := false
	uid := ""
	if c.Kind.IsPresence() {
		uid = sub.UserID()
		if set, ok := c.presence[uid]; ok {
			delete(set, socketID)
			if len(set) == 0 {
				delete(c.presence, uid)
				lastForUser = true
			}
		}
	}
	empty := len(c.subscribers) == 0
	c.mu.Unlock()

	if c.Kind.IsPresence() && lastForUser {
		c.fanOutInternal(map[string]any{
			"event":   "pusher_internal:member_removed",
			"channel": c.Name,
			"data":    mustJSON(map[string]any{"user_id": uid}),
		}, "")
	}

	return empty
}

// Broadcast fans payload out to every subscriber except exceptSocketID
// (spec.md §4.2 "Broadcast contract"), returning the number of recipients
// it was delivered to. This is the externally-originated path:
// cache-family channels record the payload as last_payload after delivery,
// per the "external vs internal" distinction in spec.md §9.
func (c *Channel) Broadcast(payload map[string]any, exceptSocketID string) int {
	n := c.fanOut(payload, exceptSocketID)

	if c.Kind.IsCache() {
		c.mu.Lock()
		c.lastPayload = payload
		c.mu.Unlock()
	}
	return n
}

// fanOutInternal delivers a pusher_internal:* event without touching the
// cache slot (member_added/member_removed are never replayed).
func (c *Channel) fanOutInternal(payload map[string]any, exceptSocketID string) {
	c.fanOut(payload, exceptSocketID)
}

func (c *Channel) fanOut(payload map[string]any, exceptSocketID string) int {
	c.mu.RLock()
	targets := make([]*Subscriber, 0, len(c.subscribers))
	for sid, s := range c.subscribers {
		if sid == exceptSocketID {
			continue
		}
		targets = append(targets, s)
	}
	c.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Conn.Send(payload); err != nil {
			c.logger.Debug("broadcast send failed", "error", err, "socket_id", s.Conn.ID())
			continue
		}
		delivered++
	}
	return delivered
}

// LastPayload returns the cached payload, or nil if none has been recorded.
func (c *Channel) LastPayload() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPayload
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
