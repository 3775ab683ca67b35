// Package service wires providers, adapters, pipeline and storage into the
// collection scanner's run surface.
package service

import (
	"context"
	"fmt"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/collector"
	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/pipeline"
	"github.com/collection-scanner/internal/storage"
	"github.com/collection-scanner/internal/types"
)

// ScannerService builds and runs one creation pipeline per claimed
// collection. It implements the queue's CollectionRunner.
type ScannerService struct {
	pool           *adapter.ProviderPool
	cfg            config.PipelineConfig
	collections    *storage.CollectionRepository
	tokens         *storage.TokenRepository
	metadataClient *adapter.CollectionMetadataClient
	fetcher        *adapter.MetadataFetcher
	blobs          adapter.BlobStore
	archive        collector.EventArchive // optional
}

// ScannerServiceConfig holds the dependencies of a ScannerService
type ScannerServiceConfig struct {
	Pool           *adapter.ProviderPool
	Pipeline       config.PipelineConfig
	Collections    *storage.CollectionRepository
	Tokens         *storage.TokenRepository
	MetadataClient *adapter.CollectionMetadataClient
	Fetcher        *adapter.MetadataFetcher
	Blobs          adapter.BlobStore
	Archive        collector.EventArchive // optional
}

// NewScannerService creates a scanner service
func NewScannerService(cfg ScannerServiceConfig) (*ScannerService, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("provider pool cannot be nil")
	}
	if cfg.Collections == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("repositories cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("metadata fetcher cannot be nil")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store cannot be nil")
	}
	return &ScannerService{
		pool:           cfg.Pool,
		cfg:            cfg.Pipeline,
		collections:    cfg.Collections,
		tokens:         cfg.Tokens,
		metadataClient: cfg.MetadataClient,
		fetcher:        cfg.Fetcher,
		blobs:          cfg.Blobs,
		archive:        cfg.Archive,
	}, nil
}

// Run drives one claimed collection through the creation pipeline. Each run
// gets its own contract adapter and batch writer; buffered writes are always
// drained before the run returns.
func (s *ScannerService) Run(ctx context.Context, runID string, collection *types.Collection) error {
	provider, err := s.pool.GetProvider(collection.ChainID)
	if err != nil {
		return fmt.Errorf("no provider for chain %s: %w", collection.ChainID, err)
	}

	standard := collection.TokenStandard
	if standard == "" {
		standard = types.StandardERC721
	}
	contract, err := adapter.NewContractAdapter(standard, provider, collection.Address)
	if err != nil {
		return err
	}

	writer := storage.NewBatchWriter(s.collections, s.tokens)
	machine := pipeline.NewCollectionMachine(pipeline.CollectionMachineConfig{
		Provider:          provider,
		Contract:          contract,
		MetadataClient:    s.metadataClient,
		Fetcher:           s.fetcher,
		Blobs:             s.blobs,
		Store:             writer,
		Archive:           s.archive,
		RunID:             runID,
		TokenConcurrency:  s.cfg.TokenConcurrency,
		LookupConcurrency: s.cfg.LookupConcurrency,
		ChunkQueueSize:    s.cfg.ChunkQueueSize,
	})

	runErr := machine.Run(ctx, collection)

	if err := writer.Flush(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to drain batched writes")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// GetCollection returns the stored collection document, or nil if unknown
func (s *ScannerService) GetCollection(ctx context.Context, chainID types.ChainID, address string) (*types.Collection, error) {
	return s.collections.Get(ctx, chainID, address)
}

// StatusService answers collection progress queries. Split from the scanner
// so the API server can run without provider credentials.
type StatusService struct {
	collections *storage.CollectionRepository
}

// NewStatusService creates a status service
func NewStatusService(collections *storage.CollectionRepository) *StatusService {
	return &StatusService{collections: collections}
}

// CollectionStatus summarizes indexing progress for API responses
type CollectionStatus struct {
	ChainID   types.ChainID      `json:"chainId"`
	Address   string             `json:"address"`
	Step      types.CreationStep `json:"step"`
	Progress  float64            `json:"progress"`
	NumNFTs   int                `json:"numNfts"`
	Error     string             `json:"error,omitempty"`
	Queued    bool               `json:"queued"`
	Claimed   bool               `json:"claimed"`
	UpdatedAt int64              `json:"updatedAt"`
}

// Status returns a progress summary for one collection, or nil if unknown
func (s *StatusService) Status(ctx context.Context, chainID types.ChainID, address string) (*CollectionStatus, error) {
	collection, err := s.collections.Get(ctx, chainID, address)
	if err != nil || collection == nil {
		return nil, err
	}
	return &CollectionStatus{
		ChainID:   collection.ChainID,
		Address:   collection.Address,
		Step:      collection.State.Create.Step,
		Progress:  collection.State.Create.Progress,
		NumNFTs:   collection.NumNFTs,
		Error:     collection.State.Create.Error,
		Queued:    collection.State.Queue.EnqueuedAt != 0,
		Claimed:   collection.State.Queue.ClaimedAt != 0,
		UpdatedAt: collection.State.Create.UpdatedAt,
	}, nil
}
