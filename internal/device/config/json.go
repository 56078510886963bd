package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/syncwell/recordsync/internal/flagx"
	"github.com/syncwell/recordsync/internal/timex"
)

// JsonConfig is the intermediate DTO for reading a JSON configuration file.
// It uses timex.Duration for interval fields, which parses both string values
// such as "30s" and integer nanoseconds.
type JsonConfig struct {
	DatabaseDSN   string         `json:"database_dsn"`
	RelayEndpoint string         `json:"relay_endpoint"`
	Username      string         `json:"username"`
	SyncInterval  timex.Duration `json:"sync_interval"`
	PullLimit     int            `json:"pull_limit"`
	Subscribe     *bool          `json:"subscribe,omitempty"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when neither
// is set, no JSON file is loaded. If the file cannot be read or contains
// invalid JSON, the function panics.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	cfg.DatabaseDSN = c.DatabaseDSN
	cfg.RelayEndpoint = c.RelayEndpoint
	cfg.Username = c.Username
	cfg.SyncInterval = time.Duration(c.SyncInterval.Duration)
	cfg.PullLimit = c.PullLimit
	if c.Subscribe != nil {
		cfg.Subscribe = *c.Subscribe
	}
}
