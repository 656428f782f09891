/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server used by the desktop
  presentation shell. Handles configuration, dependency injection, crash
  recovery and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, YAML, environment) and parse flags
  2. Open and migrate the SQLite database
  3. Build the engine and recover periods interrupted mid-computation
  4. Start the archive scheduler
  5. Start the HTTP server on loopback with graceful shutdown

COMMAND-LINE FLAGS (override configuration):
  -port    HTTP server port
  -db      SQLite database path; ":memory:" for a throwaway database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler
  4. Close the database
  5. Exit

ENVIRONMENT:
  See config/config.go. CONFIG_PATH points at a YAML file.

SEE ALSO:
  - api/server.go: Router configuration
  - engine/engine.go: Engine construction
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "payroll-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Database.Path = *dbPath

	logger := api.NewLogger(cfg.Log.Level, cfg.Log.Format).With(slog.String("app", "payroll-engine"))
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, engine.Options{
		Workers:       cfg.Engine.ComputeWorkers,
		Currency:      cfg.Engine.Currency,
		InvoicePrefix: cfg.Invoice.Prefix,
		Logger:        logger,
	})

	ctx := context.Background()
	recovered, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted computations: %w", err)
	}
	if len(recovered) > 0 {
		logger.Warn("reset periods interrupted mid-computation", slog.Any("periods", recovered))
	}

	scheduler := api.NewArchiveScheduler(eng, logger)
	scheduler.Enabled = cfg.Archive.Enabled
	scheduler.Retention = cfg.Archive.Retention
	scheduler.CheckInterval = cfg.Archive.CheckInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(eng, logger)
	handler.Archiver = scheduler
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.Server.Origins(),
		StaticDir:      cfg.Server.StaticDir,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", "http://"+server.Addr), slog.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
