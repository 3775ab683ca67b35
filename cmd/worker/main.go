// Package main provides the indexing worker entry point for the collection scanner.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/collector"
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
	logger.Info("Collection scanner worker starting...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	collections := storage.NewCollectionRepository(postgres)
	tokens := storage.NewTokenRepository(postgres)

	// Mint archive is optional analytics plumbing
	var archive collector.EventArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer clickhouse.Close()

		archive, err = storage.NewMintEventArchive(context.Background(), clickhouse)
		if err != nil {
			logger.Fatalf("Failed to initialize mint archive: %v", err)
		}
		logger.Info("Mint event archive enabled")
	}

	// The response cache is best-effort: run without it if Redis is down
	var responseCache adapter.ResponseCache
	if redis, err := storage.NewRedisCache(&cfg.Database.Redis); err != nil {
		logger.WithError(err).Warn("Redis unavailable, running without metadata response cache")
	} else {
		defer redis.Close()
		responseCache = storage.NewMetadataResponseCache(redis, cfg.Pipeline.MetadataCacheTTL)
		logger.Info("Metadata response cache enabled")
	}

	pool, err := newProviderPool(cfg)
	if err != nil {
		logger.Fatalf("Failed to build provider pool: %v", err)
	}
	logger.WithField("chains", len(pool.Chains())).Info("Provider pool initialized")

	blobs, err := adapter.NewFSBlobStore(cfg.Pipeline.BlobDir, cfg.Pipeline.BlobPublicBaseURL)
	if err != nil {
		logger.Fatalf("Failed to initialize blob store: %v", err)
	}

	fetcher := adapter.NewMetadataFetcher(adapter.MetadataFetcherConfig{
		Timeout:     cfg.Pipeline.HTTPTimeout,
		IPFSGateway: cfg.Pipeline.IPFSGateway,
		Cache:       responseCache,
	})
	metadataClient := adapter.NewCollectionMetadataClient(
		cfg.Pipeline.MetadataAPIURL,
		cfg.Pipeline.MetadataAPIKey,
		cfg.Pipeline.HTTPTimeout,
	)

	scanner, err := service.NewScannerService(service.ScannerServiceConfig{
		Pool:           pool,
		Pipeline:       cfg.Pipeline,
		Collections:    collections,
		Tokens:         tokens,
		MetadataClient: metadataClient,
		Fetcher:        fetcher,
		Blobs:          blobs,
		Archive:        archive,
	})
	if err != nil {
		logger.Fatalf("Failed to create scanner service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithLogger(ctx, logger)

	orchestrator := queue.NewOrchestrator(cfg.Queue, collections, scanner)
	if err := orchestrator.Start(ctx); err != nil {
		logger.Fatalf("Failed to start queue orchestrator: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping workers...")

	cancel()
	orchestrator.Wait()
	logger.Info("All workers stopped. Goodbye!")
}

// newProviderPool builds the RPC pool from the enabled chain configs
func newProviderPool(cfg *config.Config) (*adapter.ProviderPool, error) {
	var chains []adapter.PoolEndpoints
	for _, chainID := range cfg.Chains.Enabled {
		chainCfg, ok := cfg.Chains.Chains[chainID]
		if !ok || len(chainCfg.Endpoints) == 0 {
			logging.WithField("chainId", chainID).Warn("Skipping chain with no RPC endpoints")
			continue
		}
		chains = append(chains, adapter.PoolEndpoints{
			ChainID:           types.ChainID(chainID),
			URLs:              chainCfg.Endpoints,
			RequestsPerSecond: chainCfg.RequestsPerSecond,
		})
	}
	return adapter.NewProviderPool(chains)
}
