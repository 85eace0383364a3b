// Package background runs the broker's periodic maintenance jobs: ping an
// inactive connection, and prune one that never answered (spec.md §4.5).
// Both jobs run under one errgroup so either failing tears the other down.
package background

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/domain"
)

// tick is the cadence both jobs run at (spec.md §4.5).
const tick = 60 * time.Second

// Registry enumerates the live connections the jobs need to walk. A
// connection with zero subscriptions is still tracked here, since
// ping/prune applies regardless of channel membership.
type Registry interface {
	// Applications lists every currently configured tenant.
	Applications() []domain.Application
	// Connections returns every live connection for appID.
	Connections(appID string) []*connection.Connection
}

// Runner ties the two periodic jobs to a Channel Manager (for
// UnsubscribeFromAll on prune) and an optional prune counter.
type Runner struct {
	registry Registry
	channels *channel.Manager
	onPrune  func() // optional counter hook, e.g. metrics.Registry.MessagesPruned.Inc

	logger *slog.Logger
}

// New creates a Runner. onPrune may be nil.
func New(registry Registry, channels *channel.Manager, onPrune func()) *Runner {
	return &Runner{
		registry: registry,
		channels: channels,
		onPrune:  onPrune,
		logger:   slog.Default().With("component", "background"),
	}
}

// Run starts both jobs under one errgroup and blocks until ctx is canceled
// or either job returns a non-context error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.loop(ctx, "ping-inactive", r.pingInactiveOnce)
	})
	g.Go(func() error {
		return r.loop(ctx, "prune-stale", r.pruneStaleOnce)
	})

	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, once func()) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	r.logger.Info("job_started", "job", name, "interval", tick)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job_stopped", "job", name)
			return nil
		case <-ticker.C:
			once()
		}
	}
}

// pingInactiveOnce invokes Ping() on every connection across every tenant
// that has not been heard from within its ping_interval_s.
func (r *Runner) pingInactiveOnce() {
	for _, app := range r.registry.Applications() {
		for _, c := range r.registry.Connections(app.AppID) {
			if !c.IsActive() {
				c.Ping()
			}
		}
	}
}

// pruneStaleOnce force-closes every connection that was pinged and never
// replied within activity_timeout_s: it sends pusher:error 4201, drops the
// connection from every channel it belongs to, and closes the transport.
func (r *Runner) pruneStaleOnce() {
	for _, app := range r.registry.Applications() {
		for _, c := range r.registry.Connections(app.AppID) {
			if !c.IsStale() {
				continue
			}

			_ = c.Send(map[string]any{
				"event": "pusher:error",
				"data": map[string]any{
					"code":    domain.ClosePongTimeout,
					"message": "pong reply not received in time",
				},
			})
			r.channels.UnsubscribeFromAll(app.AppID, c)
			c.Disconnect()
			if r.onPrune != nil {
				r.onPrune()
			}
			r.logger.Info("connection_pruned", "app_id", app.AppID, "socket_id", c.ID())
		}
	}
}
