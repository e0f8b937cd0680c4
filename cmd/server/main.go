// Package main is the entry point for the portfolio optimization service.
// It serves the optimizer HTTP API and runs scheduled optimizations,
// run-history retention, cache cleanup, database maintenance and backups.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manujajay/portfolio-optimize/internal/config"
	"github.com/manujajay/portfolio-optimize/internal/di"
	"github.com/manujajay/portfolio-optimize/internal/server"
	"github.com/manujajay/portfolio-optimize/pkg/logger"
)

// main loads configuration, wires dependencies, starts the HTTP server
// and the job scheduler, then waits for a shutdown signal.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting portfolio optimizer")

	// Wire all dependencies using DI container
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Databases must be closed so WAL checkpoints are written
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		Container: container,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
