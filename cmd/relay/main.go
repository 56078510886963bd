package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/relay"
	"github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/metrics"
)

func main() {

	// Local overrides from .env, if present. Real environment wins.
	_ = godotenv.Load()

	ctx := context.Background()
	cfg := config.LoadConfig()

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	metrics.MustRegister("relay")

	app, err := relay.NewApp(cfg, logger)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
