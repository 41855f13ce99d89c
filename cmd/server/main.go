/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the waste balance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags over WBE_* environment)
  2. Initialize SQLite store
  3. Connect optional Redis (sweep lock) and NATS (audit events)
  4. Build balance service, sweeper and rounding scheduler
  5. Configure HTTP router and start serving
  6. Start the scheduler (runs once immediately unless disabled)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close NATS, Redis and database connections

EXAMPLES:
  # Run with file database, sweep in dry-run mode
  WBE_ROUNDING_MODE=dry-run ./server -db="./data/balances.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Multi-instance: share the sweep lock, publish audit events
  ./server -redis=redis:6379 -nats=nats://nats:4222

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/waste-balance-engine/api"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/config"
	"github.com/warp/waste-balance-engine/events"
	"github.com/warp/waste-balance-engine/fieldmap"
	"github.com/warp/waste-balance-engine/lock"
	"github.com/warp/waste-balance-engine/observability"
	"github.com/warp/waste-balance-engine/store/sqlite"
)

func main() {
	logger := observability.NewLogger("server")

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics(nil)

	// Sweep lock
	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		redisLock, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer redisLock.Close()
		locker = redisLock
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis sweep lock")
	}

	// Audit events
	var publisher balance.Publisher
	if cfg.NATSURL != "" {
		js, err := events.Connect(ctx, cfg.NATSURL, observability.NewLogger("events"))
		if err != nil {
			return err
		}
		defer js.Close()
		publisher = js
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing audit events to jetstream")
	}

	service := &balance.Service{
		Gateway:        store,
		Records:        store,
		Accreditations: store,
		Templates:      fieldmap.Default(),
		Publisher:      publisher,
		Logger:         observability.NewLogger("balance"),
		Metrics:        metrics,
	}

	sweeper := &balance.Sweeper{
		Gateway:     store,
		Logger:      observability.NewLogger("rounding-correction"),
		Metrics:     metrics,
		Concurrency: cfg.SweepConcurrency,
	}
	scheduler := api.NewRoundingScheduler(sweeper, locker, store, cfg.RoundingMode)
	scheduler.Interval = cfg.RoundingInterval
	scheduler.Logger = observability.NewLogger("scheduler")

	handler := api.NewHandler(service, store, scheduler)
	handler.Logger = observability.NewLogger("api")

	// Metrics on the API port unless a separate listener is configured
	var metricsOnAPI http.Handler = metrics.Handler()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsOnAPI = nil
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, metricsOnAPI),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return err
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server forced to shutdown")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
