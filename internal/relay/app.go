// Package relay wires the store-and-forward server together: database,
// migrations, services and the HTTP surface. The relay never holds keys and
// never opens payloads; everything it stores and forwards is sealed by the
// devices.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/httpapi"
	"github.com/syncwell/recordsync/internal/relay/repositories/repomanager"
	"github.com/syncwell/recordsync/internal/relay/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *http.Server
}

func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	if err := m.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	accountService := services.NewAccountService(db, m, cfg)
	syncService := services.NewSyncService(db, m, cfg)
	grantService := services.NewGrantService(db, m)
	blobService := services.NewBlobService(db, m, cfg)

	srv := httpapi.NewServer(cfg, logger, accountService, syncService, grantService, blobService)

	return &App{
		config: cfg,
		logger: logger,
		db:     db,
		server: &http.Server{
			Addr:              cfg.EndpointAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.EndpointAddr)

	if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting relay...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
