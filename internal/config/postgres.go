package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomnagengast/revurb/internal/domain"
)

// PostgresRegistry is an AppRegistry backed by a `revurb_apps` table and a
// pgxpool connection pool. It is consulted for tenants an operator
// provisions at runtime without a broker restart; the static env/TOML
// layer (see LayeredRegistry) is always checked first.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to dsn and returns a ready PostgresRegistry.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("config: parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("config: ping postgres: %w", err)
	}

	return &PostgresRegistry{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRegistry) Close() { r.pool.Close() }

const selectAppColumns = `app_id, key, secret, ping_interval_s, activity_timeout_s,
	allowed_origins, max_message_size_bytes, max_connections`

func (r *PostgresRegistry) ByID(appID string) (domain.Application, bool) {
	return r.queryOne(`SELECT `+selectAppColumns+` FROM revurb_apps WHERE app_id = $1`, appID)
}

func (r *PostgresRegistry) ByKey(key string) (domain.Application, bool) {
	return r.queryOne(`SELECT `+selectAppColumns+` FROM revurb_apps WHERE key = $1`, key)
}

func (r *PostgresRegistry) queryOne(query string, arg string) (domain.Application, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	row := r.pool.QueryRow(ctx, query, arg)
	var app domain.Application
	var origins string
	if err := row.Scan(&app.AppID, &app.Key, &app.Secret, &app.PingIntervalS,
		&app.ActivityTimeoutS, &origins, &app.MaxMessageSizeByte, &app.MaxConnections); err != nil {
		return domain.Application{}, false
	}
	app.Provider = "postgres"
	app.AllowedOrigins = splitCSV(origins)
	return app.WithDefaults(), true
}

// All lists every tenant currently provisioned in Postgres. Used by
// background jobs and the HTTP Control API's fleet-wide listings.
func (r *PostgresRegistry) All() []domain.Application {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+selectAppColumns+` FROM revurb_apps`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var apps []domain.Application
	for rows.Next() {
		var app domain.Application
		var origins string
		if err := rows.Scan(&app.AppID, &app.Key, &app.Secret, &app.PingIntervalS,
			&app.ActivityTimeoutS, &origins, &app.MaxMessageSizeByte, &app.MaxConnections); err != nil {
			continue
		}
		app.Provider = "postgres"
		app.AllowedOrigins = splitCSV(strings.TrimSpace(origins))
		apps = append(apps, app.WithDefaults())
	}
	return apps
}
