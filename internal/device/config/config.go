// Package config handles configuration for the device sync agent, including
// defaults, environment variables, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the device agent.
//
// Fields:
//   - DatabaseDSN: path of the device's sqlite database.
//   - RelayEndpoint: base URL of the sync relay (http or https).
//   - Username: account name used to register and log in.
//   - SyncInterval: how often a full push+pull round runs.
//   - PullLimit: maximum deltas per pull page.
//   - Subscribe: keep a live websocket on the own scope between rounds.
type Config struct {
	DatabaseDSN   string
	RelayEndpoint string
	Username      string
	SyncInterval  time.Duration
	PullLimit     int
	Subscribe     bool
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "recordsync.db"
	c.RelayEndpoint = "http://127.0.0.1:8080"
	c.SyncInterval = 30 * time.Second
	c.PullLimit = 100
	c.Subscribe = true
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// the environment, JSON (if present) and command-line flags (if present).
// Later sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
