/*
main.go - Reference backend entry point

PURPOSE:
  Runs a self-contained backend that speaks the remote store contract, so
  coachctl and the sync engine can be exercised end to end without the
  hosted service. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, COACHDESK_* env, coachdesk.yaml)
  2. Initialize SQLite backend and register authorization codes
  3. Connect the Redis row cache when redis.addr is set
  4. Optionally load a demo scenario
  5. Configure HTTP router, start the session purge scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --port         HTTP server port (default: 8080)
  --db           SQLite database path (default: coachdesk-server.db)
                 Use ":memory:" for in-memory database
  --auth-code    code=trainer pairs redeemable at /auth/v1/token
  --redis-addr   Redis address for the row cache (default: disabled)
  --dev          Mount /dev scenario routes
  --seed         Load a demo scenario for --seed-trainer at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close cache and database
  4. Exit

EXAMPLES:
  # Run in memory with one trainer and demo data
  ./server --db=":memory:" --auth-code=demo=T1 --seed=solo-trainer --seed-trainer=T1

  # Run with a Redis cache
  COACHDESK_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/backend.go: Backend storage
  - config/config.go: all keys
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

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/warp/coachdesk/api"
	"github.com/warp/coachdesk/config"
	"github.com/warp/coachdesk/logging"
	"github.com/warp/coachdesk/store/sqlite"
)

func main() {
	// Flags
	config.ServerFlags(pflag.CommandLine)
	seed := pflag.String("seed", "", "demo scenario to load at startup")
	seedTrainer := pflag.String("seed-trainer", "T1", "trainer id that owns the demo data")
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log, *seed, *seedTrainer); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger, seed, seedTrainer string) error {
	ctx := context.Background()

	// Initialize backend
	backend, err := sqlite.NewBackend(cfg.Server.DB)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer backend.Close()

	for code, trainer := range cfg.Auth.Codes {
		if err := backend.AddAuthCode(ctx, code, trainer); err != nil {
			return fmt.Errorf("register auth code: %w", err)
		}
	}

	// Initialize cache
	var cache api.Cache
	if cfg.Redis.Addr != "" {
		rc, err := api.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, row cache disabled")
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	if seed != "" {
		if err := api.LoadScenario(ctx, backend, seed, seedTrainer); err != nil {
			return fmt.Errorf("load scenario %s: %w", seed, err)
		}
		log.WithField("scenario", seed).WithField("trainer_id", seedTrainer).Info("demo data loaded")
	}

	handler := api.NewHandler(backend, cache, log)
	handler.DevMode = cfg.Server.Dev

	scheduler := api.NewSessionScheduler(backend, log)
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.Origins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
