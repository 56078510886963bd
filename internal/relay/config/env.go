package config

import (
	"os"
	"time"
)

// envOr returns the value of an environment variable or a fallback when it
// is unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseEnv overlays Config fields from environment variables. A variable that
// is unset or empty leaves the current value untouched. Durations use the
// time.ParseDuration syntax ("15m", "72h"); unparsable values are ignored.
func parseEnv(config *Config) {
	config.EndpointAddr = envOr("RELAY_ADDRESS", config.EndpointAddr)
	config.DatabaseDSN = envOr("DATABASE_DSN", config.DatabaseDSN)
	config.SecretKey = envOr("SECRET_KEY", config.SecretKey)
	config.S3RootUser = envOr("S3_ROOT_USER", config.S3RootUser)
	config.S3RootPassword = envOr("S3_ROOT_PASSWORD", config.S3RootPassword)
	config.S3Bucket = envOr("S3_BUCKET", config.S3Bucket)
	config.S3Region = envOr("S3_REGION", config.S3Region)
	config.S3BaseEndpoint = envOr("S3_BASE_ENDPOINT", config.S3BaseEndpoint)

	if v := os.Getenv("ACCESS_TOKEN_VALIDITY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.AccessTokenValidityDuration = d
		}
	}
	if v := os.Getenv("REFRESH_TOKEN_VALIDITY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RefreshTokenValidityDuration = d
		}
	}
	if v := os.Getenv("SUBSCRIBE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.SubscribePollInterval = d
		}
	}
}
