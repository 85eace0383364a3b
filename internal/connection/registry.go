package connection

import "sync"

// Registry tracks every live connection per tenant, independent of channel
// subscription (spec.md §4.5: ping/prune applies regardless of channel
// membership, but channel.Manager only knows about subscribed connections).
// A connection is added once the WebSocket upgrade and Application binding
// succeed, and removed on disconnect.
type Registry struct {
	mu  sync.RWMutex
	byApp map[string]map[string]*Connection // app_id -> socket_id -> connection
}

// NewRegistry creates an empty connection Registry.
func NewRegistry() *Registry {
	return &Registry{byApp: make(map[string]map[string]*Connection)}
}

// Add registers c as live under appID. Safe to call once per connection.
func (r *Registry) Add(appID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byApp[appID]
	if !ok {
		tenant = make(map[string]*Connection)
		r.byApp[appID] = tenant
	}
	tenant[c.ID()] = c
}

// Remove drops c from appID's live set. Idempotent.
func (r *Registry) Remove(appID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byApp[appID]
	if !ok {
		return
	}
	delete(tenant, c.ID())
	if len(tenant) == 0 {
		delete(r.byApp, appID)
	}
}

// Connections returns a snapshot of every live connection for appID,
// whether or not it is currently subscribed to any channel.
func (r *Registry) Connections(appID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant := r.byApp[appID]
	out := make([]*Connection, 0, len(tenant))
	for _, c := range tenant {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections for appID, used to enforce
// Application.ConnectionLimitExceeded at upgrade time.
func (r *Registry) Count(appID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byApp[appID])
}
