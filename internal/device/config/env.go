package config

import (
	"os"
	"strconv"
	"time"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseEnv overlays Config fields from environment variables. A variable that
// is unset or empty leaves the current value untouched. SYNC_INTERVAL uses
// the time.ParseDuration syntax ("30s", "5m"); unparsable values are ignored.
func parseEnv(cfg *Config) {
	cfg.DatabaseDSN = envOr("DEVICE_DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RelayEndpoint = envOr("RELAY_ENDPOINT", cfg.RelayEndpoint)
	cfg.Username = envOr("SYNC_USERNAME", cfg.Username)

	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("SYNC_PULL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PullLimit = n
		}
	}
	if v := os.Getenv("SYNC_SUBSCRIBE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Subscribe = b
		}
	}
}
