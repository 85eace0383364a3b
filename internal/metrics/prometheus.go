// Package metrics exposes the Metrics Handler of spec.md §4.8: local
// Prometheus gauges served on /metrics, and a fleet-wide fan-out handler
// used when a Pub/Sub Provider is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry wraps the broker's local gauges. A dedicated prometheus.Registry
// (not the global default) keeps tests hermetic and lets multiple brokers
// run in-process without collisions.
type Registry struct {
	reg *prometheus.Registry

	Connections         prometheus.Gauge
	Channels            prometheus.Gauge
	Subscriptions       prometheus.Gauge
	MessagesDispatched  prometheus.Counter
	MessagesPruned      prometheus.Counter
}

// NewRegistry builds and registers every gauge/counter.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "revurb",
			Name:      "connections",
			Help:      "Current number of live WebSocket connections.",
		}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "revurb",
			Name:      "channels",
			Help:      "Current number of occupied channels across all tenants.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "revurb",
			Name:      "subscriptions",
			Help:      "Current number of channel subscriptions across all tenants.",
		}),
		MessagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revurb",
			Name:      "messages_dispatched_total",
			Help:      "Total number of messages fanned out to subscribers.",
		}),
		MessagesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revurb",
			Name:      "messages_pruned_total",
			Help:      "Total number of connections closed by the stale-connection prune job.",
		}),
	}

	reg.MustRegister(r.Connections, r.Channels, r.Subscriptions, r.MessagesDispatched, r.MessagesPruned)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
