package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/collection-scanner/internal/types"
)

// mintEventsSchema creates the append-only mint archive. Mint history is
// immutable on-chain, so the table only ever grows; the order-by key matches
// the dominant query shape (per-collection time series).
const mintEventsSchema = `
CREATE TABLE IF NOT EXISTS mint_events (
	chain_id      String,
	address       String,
	token_id      String,
	minter        String,
	minted_at     DateTime64(3),
	mint_tx_hash  String,
	mint_price    Float64,
	block_number  UInt64,
	run_id        String,
	archived_at   DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(archived_at)
ORDER BY (chain_id, address, block_number, token_id)
`

// MintEventArchive writes decoded mint records into ClickHouse for analytics.
// Archiving is best-effort: the pipeline treats archive failures as warnings.
type MintEventArchive struct {
	db *ClickHouseDB
}

// NewMintEventArchive creates the archive and ensures its table exists
func NewMintEventArchive(ctx context.Context, db *ClickHouseDB) (*MintEventArchive, error) {
	if err := db.Exec(ctx, mintEventsSchema); err != nil {
		return nil, fmt.Errorf("failed to create mint_events table: %w", err)
	}
	return &MintEventArchive{db: db}, nil
}

// ArchiveMints appends one batch of mint records
func (a *MintEventArchive) ArchiveMints(ctx context.Context, runID string, mints []*types.MintToken) error {
	if len(mints) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO mint_events
			(chain_id, address, token_id, minter, minted_at, mint_tx_hash, mint_price, block_number, run_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mint batch: %w", err)
	}

	for _, mint := range mints {
		err := batch.Append(
			string(mint.ChainID),
			mint.Address,
			mint.TokenID,
			mint.Minter,
			time.UnixMilli(mint.MintedAt),
			mint.MintTxHash,
			mint.MintPrice,
			mint.BlockNumber,
			runID,
		)
		if err != nil {
			return fmt.Errorf("failed to append mint record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send mint batch: %w", err)
	}
	return nil
}

// CollectionMintStats summarizes archived mint activity for one collection
type CollectionMintStats struct {
	NumMints     uint64
	AvgMintPrice float64
	FirstMintAt  time.Time
	LastMintAt   time.Time
}

// MintStats aggregates archived mints for a collection
func (a *MintEventArchive) MintStats(ctx context.Context, chainID types.ChainID, address string) (*CollectionMintStats, error) {
	query := `
		SELECT count(DISTINCT token_id), avg(mint_price), min(minted_at), max(minted_at)
		FROM mint_events
		WHERE chain_id = ? AND address = ?
	`
	row := a.db.Conn().QueryRow(ctx, query, string(chainID), types.NormalizeAddress(address))

	var stats CollectionMintStats
	if err := row.Scan(&stats.NumMints, &stats.AvgMintPrice, &stats.FirstMintAt, &stats.LastMintAt); err != nil {
		return nil, fmt.Errorf("failed to query mint stats: %w", err)
	}
	return &stats, nil
}
