package config

import (
	"sync"

	"github.com/tomnagengast/revurb/internal/domain"
)

// AppRegistry is the Application Registry of spec.md §2: a lookup table of
// tenants keyed by app_id and key. The env/TOML-backed tables are immutable;
// the Postgres-backed implementation queries the database on each lookup.
type AppRegistry interface {
	// ByID returns the Application for appID, if known.
	ByID(appID string) (domain.Application, bool)
	// ByKey returns the Application for a Pusher key, if known. Used to
	// resolve the WebSocket connection path's {appKey} segment.
	ByKey(key string) (domain.Application, bool)
	// All returns every known Application. Used by background jobs and
	// the HTTP Control API's listing endpoints.
	All() []domain.Application
}

// StaticRegistry is an immutable AppRegistry backed by a fixed slice,
// matching spec.md §3's "created at configuration load, never mutated"
// Application lifecycle.
type StaticRegistry struct {
	byID  map[string]domain.Application
	byKey map[string]domain.Application
	all   []domain.Application
}

// NewStaticRegistry indexes apps by AppID and Key. Later entries win on a
// duplicate id or key.
func NewStaticRegistry(apps []domain.Application) *StaticRegistry {
	r := &StaticRegistry{
		byID:  make(map[string]domain.Application, len(apps)),
		byKey: make(map[string]domain.Application, len(apps)),
		all:   append([]domain.Application(nil), apps...),
	}
	for _, a := range apps {
		r.byID[a.AppID] = a
		r.byKey[a.Key] = a
	}
	return r
}

func (r *StaticRegistry) ByID(appID string) (domain.Application, bool) {
	a, ok := r.byID[appID]
	return a, ok
}

func (r *StaticRegistry) ByKey(key string) (domain.Application, bool) {
	a, ok := r.byKey[key]
	return a, ok
}

func (r *StaticRegistry) All() []domain.Application {
	return append([]domain.Application(nil), r.all...)
}

// LayeredRegistry checks a fast in-memory layer first (env/TOML apps) and
// falls back to a slower dynamic layer (e.g. PostgresRegistry) on miss.
// All() merges both, static entries winning on id collision.
type LayeredRegistry struct {
	static  *StaticRegistry
	dynamic AppRegistry // nil if no dynamic layer is configured

	mu    sync.RWMutex
	cache map[string]domain.Application // memoizes dynamic lookups by id
}

// NewLayeredRegistry combines a static registry with an optional dynamic
// one. dynamic may be nil.
func NewLayeredRegistry(static *StaticRegistry, dynamic AppRegistry) *LayeredRegistry {
	return &LayeredRegistry{static: static, dynamic: dynamic, cache: make(map[string]domain.Application)}
}

func (r *LayeredRegistry) ByID(appID string) (domain.Application, bool) {
	if a, ok := r.static.ByID(appID); ok {
		return a, ok
	}
	if r.dynamic == nil {
		return domain.Application{}, false
	}
	r.mu.RLock()
	a, ok := r.cache[appID]
	r.mu.RUnlock()
	if ok {
		return a, true
	}
	a, ok = r.dynamic.ByID(appID)
	if ok {
		r.mu.Lock()
		r.cache[appID] = a
		r.mu.Unlock()
	}
	return a, ok
}

func (r *LayeredRegistry) ByKey(key string) (domain.Application, bool) {
	if a, ok := r.static.ByKey(key); ok {
		return a, ok
	}
	if r.dynamic == nil {
		return domain.Application{}, false
	}
	return r.dynamic.ByKey(key)
}

func (r *LayeredRegistry) All() []domain.Application {
	out := r.static.All()
	if r.dynamic == nil {
		return out
	}
	seen := make(map[string]struct{}, len(out))
	for _, a := range out {
		seen[a.AppID] = struct{}{}
	}
	for _, a := range r.dynamic.All() {
		if _, ok := seen[a.AppID]; !ok {
			out = append(out, a)
		}
	}
	return out
}
