// Package main provides the HTTP API entry point for the collection scanner.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collection-scanner/internal/api"
	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/queue"
	"github.com/collection-scanner/internal/service"
	"github.com/collection-scanner/internal/storage"
	"github.com/collection-scanner/internal/types"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.Info("Collection scanner API starting...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	collections := storage.NewCollectionRepository(postgres)
	enqueuer := queue.NewEnqueuer(collections, cfg.Queue.ClaimMaxAge, cfg.Queue.GracePeriod)
	status := service.NewStatusService(collections)

	chains := make([]types.ChainID, 0, len(cfg.Chains.Enabled))
	for _, chainID := range cfg.Chains.Enabled {
		chains = append(chains, types.ChainID(chainID))
	}

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, chains, enqueuer, status)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("API server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	logger.Info("API server stopped. Goodbye!")
}
