/*
main.go - Application entry point

PURPOSE:
  Starts the meal ledger HTTP server together with the background pieces
  that keep reports current: the change-event bus, the regeneration worker
  pool and the stale-report monitor.

STARTUP SEQUENCE:
  1. Load config from env (.env honored), then command-line flags
  2. Open store, lock and queue backends
  3. Start event bus, worker pool and monitor
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      Database DSN (overrides DB_DSN)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the bus (pending change events are handled), workers and monitor
  4. Close backends
  5. Exit

EXAMPLES:
  ./server -db="./data/meals.db"
  DB_DRIVER=postgres DB_DSN="postgres://localhost/meals?sslmode=disable" QUEUE_BACKEND=redis REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - app/app.go: Backend wiring
  - config/config.go: Environment variables
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

	"github.com/sirupsen/logrus"
	"github.com/warp/meal-ledger/api"
	"github.com/warp/meal-ledger/app"
	"github.com/warp/meal-ledger/config"
	"github.com/warp/meal-ledger/events"
	"github.com/warp/meal-ledger/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.String("port", cfg.HTTPPort, "HTTP server port")
	dsn := flag.String("db", cfg.DBDSN, "Database DSN or SQLite path")
	flag.Parse()
	cfg.HTTPPort, cfg.DBDSN = *port, *dsn

	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewChannel(256, logger)
	a, err := app.Open(ctx, cfg, logger, bus)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	bus.Start(ctx)
	pool := queue.NewWorkerPool(a.Queue, a.Job.Handle, cfg.Workers, logger)
	pool.Start(ctx)
	a.Monitor.Start()

	handler := api.NewHandler(a.Ledger, a.Job, a.Monitor, logger)
	if pinger, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		handler.Health = pinger.Ping
	}
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.HTTPPort,
			"db":      cfg.DBDriver,
			"queue":   cfg.QueueBackend,
			"workers": cfg.Workers,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	bus.Stop()
	a.Monitor.Stop()
	pool.Stop()

	logger.Info("Server stopped")
}
