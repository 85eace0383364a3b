package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tomnagengast/revurb/internal/audit"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/httpapi/middleware"
	"github.com/tomnagengast/revurb/internal/metrics"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

// RouterConfig holds every dependency the Control API and WebSocket gateway
// need. PrometheusHandler is optional — when nil, /metrics is not mounted.
// PrometheusRegistry and Audit are optional observation sinks forwarded to
// the WebSocket gateway for connection-lifecycle events.
type RouterConfig struct {
	AllowedOrigins []string

	Apps        middleware.AppLookup
	AppsByKey   AppByKeyLookup
	Channels    *channel.Manager
	Connections *connection.Registry
	Dispatcher  *dispatch.Dispatcher
	Metrics     *metrics.Handler
	Bus         *pubsub.BusAdapter // nil in single-node mode

	PrometheusRegistry *metrics.Registry
	Audit              *audit.Sink

	PrometheusHandler http.Handler // nil disables /metrics
}

// NewRouter builds the broker's full HTTP surface: the Control API under
// /apps/{appId}, the WebSocket gateway under /app/{appKey}, and an optional
// Prometheus /metrics endpoint.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.BodyLimitMiddleware)

	h := &controlHandlers{
		channels:   cfg.Channels,
		conns:      cfg.Connections,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		bus:        cfg.Bus,
	}

	apps := r.PathPrefix("/apps/{appId}").Subrouter()

	apps.Handle("/up", middleware.RequireApp(cfg.Apps)(http.HandlerFunc(h.up))).Methods(http.MethodGet)

	signed := apps.NewRoute().Subrouter()
	signed.Use(middleware.RequireSignedRequest(cfg.Apps))
	signed.HandleFunc("/events", h.publishEvent).Methods(http.MethodPost)
	signed.HandleFunc("/batch_events", h.publishBatch).Methods(http.MethodPost)
	signed.HandleFunc("/channels", h.listChannels).Methods(http.MethodGet)
	signed.HandleFunc("/channels/{name}", h.channelInfo).Methods(http.MethodGet)
	signed.HandleFunc("/channels/{name}/users", h.channelUsers).Methods(http.MethodGet)
	signed.HandleFunc("/connections", h.listConnections).Methods(http.MethodGet)
	signed.HandleFunc("/users/{userId}/terminate_connections", h.terminateUser).Methods(http.MethodPost)

	if cfg.AppsByKey != nil && cfg.Channels != nil && cfg.Dispatcher != nil && cfg.Connections != nil {
		ws := NewWebSocketHandler(cfg.AppsByKey, cfg.Channels, cfg.Dispatcher, cfg.Connections)
		ws.Metrics = cfg.PrometheusRegistry
		ws.Audit = cfg.Audit
		r.Handle("/app/{appKey}", ws).Methods(http.MethodGet)
	}

	if cfg.PrometheusHandler != nil {
		r.Handle("/metrics", cfg.PrometheusHandler).Methods(http.MethodGet)
	}

	// gorilla/mux runs router middleware only for a matched route, so
	// preflight requests need a route of their own to reach CORSMiddleware,
	// which answers them.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}
