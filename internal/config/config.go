// Package config loads the broker's boot-time configuration: server bind
// settings, the optional Pub/Sub scaling block, and the Application
// Registry (spec.md §6 "Configuration interface consumed from the
// external loader"). Recognized environment variables follow the
// REVERB_* convention spec.md §6 documents; an optional apps.toml file
// and an optional Postgres-backed registry extend the env-only tenant set
// for operators who provision apps dynamically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tomnagengast/revurb/internal/domain"
)

// Config holds the broker's full boot-time configuration.
type Config struct {
	// Server
	ServerHost string
	ServerPort string
	ServerPath string

	// Pub/Sub scaling block (spec.md §6). Driver is "", "redis", or "nats";
	// empty means single-node (no Pub/Sub Provider configured).
	ScalingEnabled bool
	ScalingChannel string
	PubSubDriver   string
	RedisURL       string
	NATSURL        string

	// AppsFile, if set, is a TOML file declaring additional tenants beyond
	// the single env-derived Application (BurntSushi/toml).
	AppsFile string

	// DatabaseURL, if set, points at a Postgres-backed Application
	// Registry (pgx) that supplements the static env/TOML set.
	DatabaseURL string

	// ClickHouseURL, if set, enables the async usage-metering sink.
	ClickHouseURL string

	MetricsEnabled bool

	LogLevel  string
	LogFormat string // "json" or "text"

	// Apps is the statically-known tenant set resolved at Load time from
	// the single REVERB_APP_* env application plus AppsFile, if any.
	Apps []domain.Application
}

// Load reads configuration from environment variables (optionally seeded
// by a .env file loaded by the caller beforehand) and, if
// REVERB_APPS_FILE is set, merges in a TOML-declared app list.
func Load() (*Config, error) {
	cfg := &Config{
		ServerHost: getEnv("REVERB_SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnv("REVERB_SERVER_PORT", "8080"),
		ServerPath: getEnv("REVERB_SERVER_PATH", ""),

		ScalingEnabled: getEnvBool("REVERB_SCALING_ENABLED", false),
		ScalingChannel: getEnv("REVERB_SCALING_CHANNEL", "revurb"),
		PubSubDriver:   strings.ToLower(getEnv("REVERB_PUBSUB_DRIVER", "")),
		RedisURL:       getEnv("REVERB_REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:        getEnv("REVERB_NATS_URL", "nats://localhost:4222"),

		AppsFile:      getEnv("REVERB_APPS_FILE", ""),
		DatabaseURL:   getEnv("REVERB_DATABASE_URL", ""),
		ClickHouseURL: getEnv("REVERB_CLICKHOUSE_URL", ""),

		MetricsEnabled: getEnvBool("REVERB_METRICS_ENABLED", true),

		LogLevel:  getEnv("REVERB_LOG_LEVEL", "info"),
		LogFormat: getEnv("REVERB_LOG_FORMAT", "json"),
	}

	if app, ok := envApplication(); ok {
		cfg.Apps = append(cfg.Apps, app)
	}

	if cfg.AppsFile != "" {
		tomlApps, err := loadTOMLApps(cfg.AppsFile)
		if err != nil {
			return nil, fmt.Errorf("config: load apps file: %w", err)
		}
		cfg.Apps = append(cfg.Apps, tomlApps...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Apps) == 0 && c.DatabaseURL == "" {
		return fmt.Errorf("config: no applications configured — set REVERB_APP_ID/REVERB_APP_KEY/REVERB_APP_SECRET, REVERB_APPS_FILE, or REVERB_DATABASE_URL")
	}
	if c.ScalingEnabled && c.PubSubDriver != "redis" && c.PubSubDriver != "nats" {
		return fmt.Errorf("config: REVERB_SCALING_ENABLED requires REVERB_PUBSUB_DRIVER of \"redis\" or \"nats\", got %q", c.PubSubDriver)
	}
	return nil
}

// IsScalingEnabled reports whether a Pub/Sub Provider should be
// constructed for this broker instance.
func (c *Config) IsScalingEnabled() bool { return c.ScalingEnabled }

// envApplication builds the single Application spec.md §6 describes as
// coming directly from REVERB_APP_* env vars. It returns ok=false when
// REVERB_APP_ID is unset, since an env app without an id is meaningless.
func envApplication() (domain.Application, bool) {
	appID := getEnv("REVERB_APP_ID", "")
	if appID == "" {
		return domain.Application{}, false
	}

	app := domain.Application{
		AppID:              appID,
		Key:                getEnv("REVERB_APP_KEY", ""),
		Secret:             getEnv("REVERB_APP_SECRET", ""),
		Provider:           "env",
		PingIntervalS:      getEnvInt("REVERB_APP_PING_INTERVAL", domain.DefaultPingIntervalS),
		ActivityTimeoutS:   getEnvInt("REVERB_APP_ACTIVITY_TIMEOUT", domain.DefaultActivityTimeoutS),
		MaxMessageSizeByte: getEnvInt("REVERB_APP_MAX_MESSAGE_SIZE", domain.DefaultMaxMessageSize),
		MaxConnections:     getEnvInt("REVERB_APP_MAX_CONNECTIONS", 0),
		AllowedOrigins:     splitCSV(getEnv("REVERB_ALLOWED_ORIGINS", "*")),
	}
	return app.WithDefaults(), true
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
