/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + STOCK_* environment)
  2. Initialize logger and SQLite store
  3. Install reference data (seed file, stored copy, or built-in default)
  4. Choose the lock backend (in-process or Redis)
  5. Create coordinator, API handler, router and reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config/stock.yaml if present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with defaults (stock.db, in-process locks)
  ./server

  # In-memory database on another port
  STOCK_DATABASE_PATH=":memory:" STOCK_SERVER_PORT=3000 ./server

  # Shared locks across instances
  STOCK_LOCK_BACKEND=redis STOCK_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/factory"
	"github.com/warp/stock-engine/logger"
	"github.com/warp/stock-engine/metrics"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/redislock"
	"github.com/warp/stock-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Env, cfg.Log.Level)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	db, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	ref, err := installReference(ctx, db, cfg.Reference.SeedFile, log)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	coordinator := stock.NewCoordinator(db, ref, stock.CoordinatorOptions{
		Locker:   locker,
		Logger:   log,
		Observer: metrics.NewCollector(nil),
		Retry: stock.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		LockTimeout: cfg.Lock.WaitTimeout,
	})

	handler := api.NewHandler(coordinator, db, log)
	router := api.NewRouter(handler, api.RouterOptions{
		RateLimit: cfg.Server.RateLimit,
		Logger:    log,
	})

	scheduler := api.NewReconciliationScheduler(coordinator, log)
	scheduler.Enabled = cfg.Reconciliation.Enabled
	scheduler.CheckInterval = cfg.Reconciliation.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("database", cfg.Database.Path).
			Str("lock_backend", cfg.Lock.Backend).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// installReference picks the reference data in order: seed file, stored
// copy, built-in default. The chosen data is written back to the store.
func installReference(ctx context.Context, db *sqlite.Store, seedFile string, log zerolog.Logger) (*stock.Reference, error) {
	var (
		data   stock.ReferenceData
		source string
		err    error
	)
	switch {
	case seedFile != "":
		if data, err = factory.LoadReferenceFile(seedFile); err != nil {
			return nil, err
		}
		source = seedFile
	default:
		if data, err = db.LoadReference(ctx); err != nil {
			return nil, fmt.Errorf("load reference data: %w", err)
		}
		source = "database"
		if len(data.Directives) == 0 {
			data, source = factory.DefaultReference(), "default"
		}
	}

	ref, err := data.Build()
	if err != nil {
		return nil, fmt.Errorf("reference data from %s: %w", source, err)
	}
	if err := db.SaveReference(ctx, data); err != nil {
		return nil, fmt.Errorf("save reference data: %w", err)
	}

	log.Info().
		Str("source", source).
		Int("document_types", len(data.Directives)).
		Int("uom_tables", len(data.UOMs)).
		Msg("reference data installed")
	return ref, nil
}

func newLocker(ctx context.Context, cfg *config.Config) (stock.Locker, func(), error) {
	if cfg.Lock.Backend != config.LockBackendRedis {
		return stock.NewKeyedMutex(), func() {}, nil
	}

	client, err := redislock.Connect(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	locker := redislock.New(client, redislock.Options{TTL: cfg.Lock.TTL})
	return locker, func() { client.Close() }, nil
}
