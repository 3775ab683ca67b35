// Package main provides a CLI for enqueueing collections to index.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/queue"
	"github.com/collection-scanner/internal/storage"
	"github.com/collection-scanner/internal/types"
)

// fileEntry is one record in the -file JSON array
type fileEntry struct {
	ChainID      string `json:"chainId,omitempty"`
	Address      string `json:"address"`
	HasBlueCheck bool   `json:"hasBlueCheck,omitempty"`
}

func main() {
	var (
		file         = flag.String("file", "", "Path to a JSON array of {chainId, address, hasBlueCheck}")
		address      = flag.String("address", "", "Single contract address to enqueue")
		chain        = flag.String("chain", string(types.ChainEthereum), "Chain id for -address")
		initiator    = flag.String("initiator", "cli", "Index initiator recorded on the collection")
		hasBlueCheck = flag.Bool("hasBlueCheck", false, "Mark the collection as verified")
		step         = flag.String("step", "", "Force the resume step on re-enqueue (e.g. collection-mints)")
	)
	flag.Parse()

	if *file == "" && *address == "" {
		log.Fatal("Either -file or -address is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	collections := storage.NewCollectionRepository(postgres)
	enqueuer := queue.NewEnqueuer(collections, cfg.Queue.ClaimMaxAge, cfg.Queue.GracePeriod)

	var entries []fileEntry
	if *file != "" {
		data, err := os.ReadFile(*file) // #nosec G304 - path comes from the operator
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			log.Fatalf("Failed to parse %s: %v", *file, err)
		}
	} else {
		entries = []fileEntry{{ChainID: *chain, Address: *address, HasBlueCheck: *hasBlueCheck}}
	}

	ctx := context.Background()
	failed := 0
	for _, entry := range entries {
		chainID := entry.ChainID
		if chainID == "" {
			chainID = string(types.ChainEthereum)
		}

		decision, err := enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			ChainID:        types.ChainID(chainID),
			Address:        entry.Address,
			IndexInitiator: *initiator,
			HasBlueCheck:   entry.HasBlueCheck || *hasBlueCheck,
			Step:           types.CreationStep(*step),
		})
		if err != nil {
			// keep going: one bad entry must not sink the batch
			log.Printf("FAILED %s:%s: %v", chainID, entry.Address, err)
			failed++
			continue
		}
		fmt.Printf("%s:%s -> %s\n", chainID, types.NormalizeAddress(entry.Address), decision)
	}

	if failed > 0 {
		log.Fatalf("%d of %d collections failed to enqueue", failed, len(entries))
	}
}
