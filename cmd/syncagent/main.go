package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/syncwell/recordsync/internal/device"
	"github.com/syncwell/recordsync/internal/device/config"
	"github.com/syncwell/recordsync/internal/logging"
)

func main() {

	// Local overrides from .env, if present. Real environment wins.
	_ = godotenv.Load()

	ctx := context.Background()
	cfg := config.LoadConfig()

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	app, err := device.NewApp(ctx, cfg, logger)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
