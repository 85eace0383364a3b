package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/tomnagengast/revurb/internal/domain"
)

// tomlFile is the decode target for an apps.toml declaring multiple
// tenants without a database.
//
//	[[apps]]
//	app_id = "chat"
//	key = "chatkey"
//	secret = "chatsecret"
//	allowed_origins = ["https://chat.example.com"]
type tomlFile struct {
	Apps []tomlApp `toml:"apps"`
}

type tomlApp struct {
	AppID              string   `toml:"app_id"`
	Key                string   `toml:"key"`
	Secret             string   `toml:"secret"`
	PingIntervalS      int      `toml:"ping_interval_s"`
	ActivityTimeoutS   int      `toml:"activity_timeout_s"`
	AllowedOrigins     []string `toml:"allowed_origins"`
	MaxMessageSizeByte int      `toml:"max_message_size_bytes"`
	MaxConnections     int      `toml:"max_connections"`
}

// loadTOMLApps decodes path into a slice of Applications tagged
// Provider="toml".
func loadTOMLApps(path string) ([]domain.Application, error) {
	var f tomlFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	apps := make([]domain.Application, 0, len(f.Apps))
	for _, a := range f.Apps {
		if a.AppID == "" || a.Key == "" || a.Secret == "" {
			return nil, fmt.Errorf("%s: app entry missing app_id/key/secret", path)
		}
		app := domain.Application{
			AppID:              a.AppID,
			Key:                a.Key,
			Secret:             a.Secret,
			Provider:           "toml",
			PingIntervalS:      a.PingIntervalS,
			ActivityTimeoutS:   a.ActivityTimeoutS,
			AllowedOrigins:     a.AllowedOrigins,
			MaxMessageSizeByte: a.MaxMessageSizeByte,
			MaxConnections:     a.MaxConnections,
		}
		apps = append(apps, app.WithDefaults())
	}
	return apps, nil
}
