package config

import (
	"flag"
	"os"
	"time"

	"github.com/syncwell/recordsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   sqlite database path
//	-r string   relay base URL (e.g., "https://relay.example.com")
//	-u string   account username
//	-i int      sync interval, seconds
//	-l int      pull page limit
//	-w bool     keep a live subscribe stream open
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-r", "-u", "-i", "-l", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "device database path")
	fs.StringVar(&cfg.RelayEndpoint, "r", cfg.RelayEndpoint, "relay base URL")
	fs.StringVar(&cfg.Username, "u", cfg.Username, "account username")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")
	fs.IntVar(&cfg.PullLimit, "l", cfg.PullLimit, "pull page limit")
	fs.BoolVar(&cfg.Subscribe, "w", cfg.Subscribe, "follow live deltas over websocket")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
