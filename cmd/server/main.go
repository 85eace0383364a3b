// Command server runs the revurb WebSocket message broker: it serves the
// Pusher-protocol WebSocket gateway, the signed HTTP Control API, the
// Prometheus /metrics endpoint, and the background ping/prune jobs, all
// wired from REVERB_* environment configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tomnagengast/revurb/internal/audit"
	"github.com/tomnagengast/revurb/internal/background"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/config"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/domain"
	api "github.com/tomnagengast/revurb/internal/httpapi"
	"github.com/tomnagengast/revurb/internal/metrics"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

func main() {
	_ = godotenv.Load()          // cwd
	_ = godotenv.Load("../.env") // running from cmd/server/

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting revurb", "pubsub_driver", cfg.PubSubDriver, "scaling_enabled", cfg.ScalingEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apps, err := buildRegistry(ctx, cfg)
	if err != nil {
		slog.Error("failed to build application registry", "error", err)
		os.Exit(1)
	}
	if pg, ok := apps.dynamic.(*config.PostgresRegistry); ok {
		defer pg.Close()
	}

	channels := channel.NewManager()
	conns := connection.NewRegistry()
	metricsRegistry := metrics.NewRegistry()

	var sink *audit.Sink
	if cfg.ClickHouseURL != "" {
		writer, err := audit.NewClickHouseWriter(ctx, cfg.ClickHouseURL)
		if err != nil {
			slog.Error("failed to connect usage-metering sink", "error", err)
			os.Exit(1)
		}
		sink = audit.NewSink(writer)
		defer sink.Close()
	}

	wireObservability(channels, metricsRegistry, sink)

	var provider pubsub.Provider
	var bus *pubsub.BusAdapter
	if cfg.IsScalingEnabled() {
		provider, err = buildProvider(cfg)
		if err != nil {
			slog.Error("failed to build pub/sub provider", "error", err)
			os.Exit(1)
		}
	}

	onDispatch := func(appID, channelName string, recipients int) {
		metricsRegistry.MessagesDispatched.Inc()
		if sink != nil {
			sink.Broadcast(appID, channelName, recipients)
		}
	}

	localDispatcher := dispatch.New(channels, nil)
	localDispatcher.OnDispatch = onDispatch
	d := localDispatcher

	if provider != nil {
		bus = &pubsub.BusAdapter{Provider: provider}
		d = dispatch.New(channels, bus)
		d.OnDispatch = onDispatch
		pubsub.NewHub(provider, channels, localDispatcher)
		if err := provider.Connect(); err != nil {
			slog.Error("failed to connect pub/sub provider", "error", err)
			os.Exit(1)
		}
	}

	metricsHandler := metrics.NewHandler(channels, provider, peerCountFor(cfg))

	runner := background.New(backgroundRegistry{apps: apps, conns: conns}, channels, func() {
		metricsRegistry.MessagesPruned.Inc()
	})

	var promHandler http.Handler
	if cfg.MetricsEnabled {
		promHandler = promhttp.HandlerFor(metricsRegistry.Gatherer(), promhttp.HandlerOpts{})
	}

	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins: allowedOriginsFor(cfg),
		Apps:           apps,
		AppsByKey:      apps,
		Channels:       channels,
		Connections:    conns,
		Dispatcher:     d,
		Metrics:        metricsHandler,
		Bus:            bus,

		PrometheusRegistry: metricsRegistry,
		Audit:              sink,

		PrometheusHandler: promHandler,
	})

	addr := cfg.ServerHost + ":" + cfg.ServerPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-gctx.Done():
		slog.Warn("background job failed, shutting down", "error", gctx.Err())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	if provider != nil {
		if err := provider.Disconnect(); err != nil {
			slog.Warn("pub/sub disconnect error", "error", err)
		}
	}

	if err := g.Wait(); err != nil {
		slog.Warn("shutdown with error", "error", err)
	}
	slog.Info("revurb stopped")
}

// appRegistry is the superset of config.AppRegistry the server needs: the
// router wants middleware.AppLookup/AppByKeyLookup, background wants
// Applications(), and main wants to know whether a PostgresRegistry needs
// closing.
type appRegistry struct {
	config.AppRegistry
	dynamic config.AppRegistry
}

func buildRegistry(ctx context.Context, cfg *config.Config) (appRegistry, error) {
	static := config.NewStaticRegistry(cfg.Apps)

	if cfg.DatabaseURL == "" {
		return appRegistry{AppRegistry: static}, nil
	}

	pg, err := config.NewPostgresRegistry(ctx, cfg.DatabaseURL)
	if err != nil {
		return appRegistry{}, fmt.Errorf("postgres registry: %w", err)
	}
	return appRegistry{AppRegistry: config.NewLayeredRegistry(static, pg), dynamic: pg}, nil
}

// backgroundRegistry adapts appRegistry + connection.Registry to
// background.Registry, whose Connections method walks every live
// connection regardless of channel subscription.
type backgroundRegistry struct {
	apps  appRegistry
	conns *connection.Registry
}

func (r backgroundRegistry) Applications() []domain.Application { return r.apps.All() }
func (r backgroundRegistry) Connections(appID string) []*connection.Connection {
	return r.conns.Connections(appID)
}

func buildProvider(cfg *config.Config) (pubsub.Provider, error) {
	switch cfg.PubSubDriver {
	case "redis":
		return pubsub.NewRedisProvider(cfg.RedisURL, cfg.ScalingChannel)
	case "nats":
		return pubsub.NewNATSProvider(cfg.NATSURL, cfg.ScalingChannel), nil
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", cfg.PubSubDriver)
	}
}

// peerCountFor is a placeholder for fleet-size discovery: single-node and
// statically-configured deployments have no peers, so the Metrics Handler
// always takes its local-only fast path. A real multi-broker deployment
// would source this from service discovery (e.g. a Kubernetes endpoints
// watch) rather than from static config.
func peerCountFor(cfg *config.Config) int {
	if !cfg.IsScalingEnabled() {
		return 0
	}
	return 0
}

func allowedOriginsFor(cfg *config.Config) []string {
	origins := make(map[string]struct{})
	for _, app := range cfg.Apps {
		for _, o := range app.AllowedOrigins {
			origins[o] = struct{}{}
		}
	}
	out := make([]string, 0, len(origins))
	for o := range origins {
		out = append(out, o)
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// wireObservability attaches the optional Prometheus/usage-metering hooks
// to channels and sink. Both channels hooks and dispatch's OnDispatch are
// nil-safe, so this is only called when at least one observer exists.
func wireObservability(channels *channel.Manager, reg *metrics.Registry, sink *audit.Sink) {
	channels.OnChannelCreated = func(appID, name string) {
		reg.Channels.Inc()
	}
	channels.OnChannelRemoved = func(appID, name string) {
		reg.Channels.Dec()
	}
	channels.OnSubscribed = func(appID, name string) {
		reg.Subscriptions.Inc()
		if sink != nil {
			sink.Subscribed(appID, name)
		}
	}
	channels.OnUnsubscribed = func(appID, name string) {
		reg.Subscriptions.Dec()
		if sink != nil {
			sink.Unsubscribed(appID, name)
		}
	}
}

func setupLogger(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
