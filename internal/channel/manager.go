package channel

import (
	"log/slog"
	"sync"

	"github.com/tomnagengast/revurb/internal/connection"
)

// tenantRegistry holds the live channels for one Application. Each tenant
// has its own mutex so operations on different tenants never contend —
// spec.md §5 forbids a single global lock.
type tenantRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// Manager is the per-broker singleton channel registry, keyed by tenant
// app_id (spec.md §4.2).
type Manager struct {
	mu      sync.RWMutex // guards the tenants map itself, not its contents
	tenants map[string]*tenantRegistry
	logger  *slog.Logger

	// OnChannelCreated/OnChannelRemoved/OnSubscribed/OnUnsubscribed are
	// optional observation hooks for audit logging and metrics. They are
	// nil by default, so a Manager built with NewManager never needs a
	// caller to wire them.
	OnChannelCreated func(appID, name string)
	OnChannelRemoved func(appID, name string)
	OnSubscribed     func(appID, name string)
	OnUnsubscribed   func(appID, name string)
}

// NewManager creates an empty channel Manager.
func NewManager() *Manager {
	return &Manager{
		tenants: make(map[string]*tenantRegistry),
		logger:  slog.Default().With("component", "channel-manager"),
	}
}

func (m *Manager) registryFor(appID string) *tenantRegistry {
	m.mu.RLock()
	reg, ok := m.tenants[appID]
	m.mu.RUnlock()
	if ok {
		return reg
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok = m.tenants[appID]; ok {
		return reg
	}
	reg = &tenantRegistry{channels: make(map[string]*Channel)}
	m.tenants[appID] = reg
	return reg
}

// Find returns the named channel for app, if it currently has subscribers.
func (m *Manager) Find(appID, name string) (*Channel, bool) {
	reg := m.registryFor(appID)
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ch, ok := reg.channels[name]
	return ch, ok
}

// FindOrCreate returns the named channel for app, creating it (and logging
// channel_created) if it does not yet exist.
func (m *Manager) FindOrCreate(appID, name string) *Channel {
	reg := m.registryFor(appID)

	reg.mu.RLock()
	ch, ok := reg.channels[name]
	reg.mu.RUnlock()
	if ok {
		return ch
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if ch, ok = reg.channels[name]; ok {
		return ch
	}
	ch = New(name)
	reg.channels[name] = ch
	m.logger.Info("channel_created", "app_id", appID, "channel", name, "kind", ch.Kind.String())
	if m.OnChannelCreated != nil {
		m.OnChannelCreated(appID, name)
	}
	return ch
}

// remove drops ch from app's registry if it is still empty, logging
// channel_removed. Safe to call even if ch was already removed.
func (m *Manager) remove(appID string, ch *Channel) {
	reg := m.registryFor(appID)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if current, ok := reg.channels[ch.Name]; ok && current == ch && ch.Len() == 0 {
		delete(reg.channels, ch.Name)
		m.logger.Info("channel_removed", "app_id", appID, "channel", ch.Name)
		if m.OnChannelRemoved != nil {
			m.OnChannelRemoved(appID, ch.Name)
		}
	}
}

// Channels returns a snapshot of all live channels for app, optionally
// filtered to names beginning with prefix.
func (m *Manager) Channels(appID, prefix string) []*Channel {
	reg := m.registryFor(appID)
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Channel, 0, len(reg.channels))
	for name, ch := range reg.channels {
		if prefix == "" || hasPrefix(name, prefix) {
			out = append(out, ch)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Subscribe resolves/creates the named channel and runs its subscribe
// contract, reclaiming the channel on failure if this subscribe was what
// created it (so a rejected subscribe never leaves an empty phantom
// channel behind).
func (m *Manager) Subscribe(appID string, conn *connection.Connection, name, auth, channelData string) error {
	ch := m.FindOrCreate(appID, name)
	if err := ch.Subscribe(conn, auth, channelData); err != nil {
		m.remove(appID, ch)
		return err
	}
	if m.OnSubscribed != nil {
		m.OnSubscribed(appID, name)
	}
	return nil
}

// Unsubscribe removes conn from the named channel, reclaiming the channel
// if it becomes empty.
func (m *Manager) Unsubscribe(appID string, conn *connection.Connection, name string) {
	ch, ok := m.Find(appID, name)
	if !ok {
		return
	}
	if empty := ch.Unsubscribe(conn); empty {
		m.remove(appID, ch)
	}
	if m.OnUnsubscribed != nil {
		m.OnUnsubscribed(appID, name)
	}
}

// UnsubscribeFromAll removes conn from every channel of app it currently
// belongs to, reclaiming any that become empty. Used on disconnect and by
// the stale-connection prune job.
func (m *Manager) UnsubscribeFromAll(appID string, conn *connection.Connection) {
	reg := m.registryFor(appID)
	reg.mu.RLock()
	channels := make([]*Channel, 0, len(reg.channels))
	for _, ch := range reg.channels {
		channels = append(channels, ch)
	}
	reg.mu.RUnlock()

	for _, ch := range channels {
		if empty := ch.Unsubscribe(conn); empty {
			m.remove(appID, ch)
		}
	}
}

// Connections enumerates distinct connections currently subscribed to any
// channel of app (or, if name is non-empty, just that channel).
func (m *Manager) Connections(appID, name string) []*connection.Connection {
	seen := make(map[string]*connection.Connection)

	if name != "" {
		if ch, ok := m.Find(appID, name); ok {
			for _, s := range ch.Subscribers() {
				seen[s.Conn.ID()] = s.Conn
			}
		}
	} else {
		for _, ch := range m.Channels(appID, "") {
			for _, s := range ch.Subscribers() {
				seen[s.Conn.ID()] = s.Conn
			}
		}
	}

	out := make([]*connection.Connection, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// Broadcast dispatches payload to the named channel if it exists, skipping
// silently if it does not (spec.md §4.4 step 2). It returns the number of
// recipients the payload was delivered to, or -1 if the channel did not
// exist.
func (m *Manager) Broadcast(appID, name string, payload map[string]any, exceptSocketID string) int {
	ch, ok := m.Find(appID, name)
	if !ok {
		return -1
	}
	return ch.Broadcast(payload, exceptSocketID)
}
