package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/metrics"
	"github.com/atana/registration-migrator/internal/migration"
	"github.com/atana/registration-migrator/internal/server"
	"github.com/atana/registration-migrator/internal/source"
	"github.com/atana/registration-migrator/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Format == "text",
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping after in-flight writes")
		cancel()
	}()

	// Initialize storage
	store, err := storage.NewSQLStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	recorder, err := storage.NewRunRecorder(cfg.RunLog, store)
	if err != nil {
		return fmt.Errorf("failed to initialize run log: %w", err)
	}
	defer recorder.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := source.NewClient(cfg.Source)
	migrator := migration.NewService(cfg.Migration, client, store, recorder, collector)
	filter := source.Filter{
		Since: cfg.Source.Since,
		Until: cfg.Source.Until,
	}

	// Initialize HTTP server for status endpoints
	var httpServer *server.Server
	if cfg.Server.Port > 0 {
		httpServer = server.NewServer(cfg.Server, store, recorder, migrator, filter, registry)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server error")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server shutdown error")
			}
		}()
	}

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("run_log", cfg.RunLog.Type).
		Dur("interval", cfg.Migration.Interval).
		Msg("Starting registration migration")

	err = migrator.Start(ctx, filter)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Shutdown complete")
		return nil
	}
	if err != nil {
		return err
	}

	// A one-shot run keeps serving status until asked to stop
	if httpServer != nil {
		<-ctx.Done()
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
