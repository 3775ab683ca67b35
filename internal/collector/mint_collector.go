// Package collector turns paginated transfer-event chunks into normalized
// mint records, resolving block timestamps and mint prices per event.
package collector

import (
	"context"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

const (
	defaultLookupConcurrency = 100
	defaultChunkQueueSize    = 100
	lookupAttempts           = 3
	watchdogInterval         = 5 * time.Second
	weiPerEther              = 1e18
)

// EventArchive receives decoded mint records for analytics. Implemented by
// the ClickHouse archive in storage; a nil archive disables archiving.
type EventArchive interface {
	ArchiveMints(ctx context.Context, runID string, mints []*types.MintToken) error
}

// Result summarizes one collection run over a chunk stream. GotAllBlocks ==
// false signals the caller should resume pagination from LastSuccessfulBlock
// on the next attempt rather than restart from the creation block.
type Result struct {
	Tokens                  []*types.MintToken
	FailedWithUnknownErrors int
	GotAllBlocks            bool
	StartBlock              uint64
	LastSuccessfulBlock     uint64
}

// MintCollector enriches mint transfer events with block timestamps and mint
// prices under bounded concurrency. Caches are scoped to one collector
// instance, i.e. one collection run.
type MintCollector struct {
	provider *adapter.Provider
	contract adapter.ContractAdapter
	chainID  types.ChainID
	archive  EventArchive
	runID    string

	// lookupGate bounds simultaneous provider calls for block/price
	// resolution, separate from the block-range fetch concurrency
	lookupGate chan struct{}
	chunkSlots chan struct{}

	blockTimes *memo[uint64, int64]
	txPrices   *memo[string, float64]
}

// Config configures a MintCollector
type Config struct {
	Provider          *adapter.Provider
	Contract          adapter.ContractAdapter
	ChainID           types.ChainID
	Archive           EventArchive // optional
	RunID             string
	LookupConcurrency int
	ChunkQueueSize    int
}

// New creates a mint collector for one collection run
func New(cfg Config) *MintCollector {
	lookups := cfg.LookupConcurrency
	if lookups <= 0 {
		lookups = defaultLookupConcurrency
	}
	chunks := cfg.ChunkQueueSize
	if chunks <= 0 {
		chunks = defaultChunkQueueSize
	}
	return &MintCollector{
		provider:   cfg.Provider,
		contract:   cfg.Contract,
		chainID:    cfg.ChainID,
		archive:    cfg.Archive,
		runID:      cfg.RunID,
		lookupGate: make(chan struct{}, lookups),
		chunkSlots: make(chan struct{}, chunks),
		blockTimes: newMemo[uint64, int64](),
		txPrices:   newMemo[string, float64](),
	}
}

// Collect consumes the chunk stream and produces normalized mint records.
// onProgress, if non-nil, receives each chunk's pagination percentage and
// last covered block.
func (c *MintCollector) Collect(ctx context.Context, chunks <-chan adapter.ChunkResult, onProgress func(progress float64, lastBlock uint64)) *Result {
	logger := logging.FromContext(ctx)
	result := &Result{GotAllBlocks: true}

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		firstChunk  = true
		lastDequeue time.Time
		dequeueMu   sync.Mutex
	)

	touchDequeue := func() {
		dequeueMu.Lock()
		lastDequeue = time.Now()
		dequeueMu.Unlock()
	}
	touchDequeue()

	// Stalled-queue watchdog: emit a progress message if nothing has
	// dequeued for a while so long-running collections stay observable.
	watchdogDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				dequeueMu.Lock()
				idle := time.Since(lastDequeue)
				dequeueMu.Unlock()
				if idle >= watchdogInterval {
					logger.WithFields(map[string]interface{}{
						"idle":    idle.String(),
						"address": c.contract.Address(),
					}).Info("Mint collection waiting on provider lookups")
				}
			}
		}
	}()
	defer close(watchdogDone)

	for cr := range chunks {
		if cr.Err != nil {
			result.GotAllBlocks = false
			break
		}
		chunk := cr.Chunk
		touchDequeue()

		if firstChunk {
			result.StartBlock = chunk.FromBlock
			firstChunk = false
		}
		if onProgress != nil {
			onProgress(chunk.Progress, chunk.ToBlock)
		}

		select {
		case c.chunkSlots <- struct{}{}:
		case <-ctx.Done():
			result.GotAllBlocks = false
			wg.Wait()
			return result
		}

		wg.Add(1)
		go func(chunk adapter.Chunk) {
			defer wg.Done()
			defer func() { <-c.chunkSlots }()

			tokens, failed := c.processChunk(ctx, chunk)

			mu.Lock()
			result.Tokens = append(result.Tokens, tokens...)
			result.FailedWithUnknownErrors += failed
			if chunk.ToBlock > result.LastSuccessfulBlock {
				result.LastSuccessfulBlock = chunk.ToBlock
			}
			mu.Unlock()

			if c.archive != nil && len(tokens) > 0 {
				if err := c.archive.ArchiveMints(ctx, c.runID, tokens); err != nil {
					logger.WithError(err).Warn("Failed to archive mint events")
				}
			}
		}(chunk)
	}

	wg.Wait()
	return result
}

// processChunk decodes and enriches every mint event in one chunk
func (c *MintCollector) processChunk(ctx context.Context, chunk adapter.Chunk) ([]*types.MintToken, int) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		tokens []*types.MintToken
		failed int
	)

	for _, event := range chunk.Events {
		transfer, err := c.contract.DecodeTransfer(event)
		if err != nil {
			failed++
			continue
		}
		if transfer.From != types.NullAddress {
			continue
		}

		event := event
		wg.Add(1)
		go func() {
			defer wg.Done()

			mintedAt := c.blockTimestamp(ctx, event.BlockNumber)
			price := c.mintPrice(ctx, event.TxHash)

			token := &types.MintToken{
				ChainID:     c.chainID,
				Address:     c.contract.Address(),
				TokenID:     transfer.TokenID,
				Minter:      transfer.To,
				MintedAt:    mintedAt,
				MintTxHash:  event.TxHash.Hex(),
				MintPrice:   price,
				BlockNumber: event.BlockNumber,
			}

			mu.Lock()
			tokens = append(tokens, token)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return tokens, failed
}

// blockTimestamp resolves a block's timestamp in epoch ms, memoized per run.
// Defaults to 0 after exhausting retries; a single unresolvable block never
// blocks the pipeline.
func (c *MintCollector) blockTimestamp(ctx context.Context, blockNumber uint64) int64 {
	ts, _ := c.blockTimes.do(blockNumber, func() (int64, error) {
		var value int64
		err := retry.Do(ctx, retry.FixedConfig(lookupAttempts, time.Second), func(ctx context.Context, attempt int) error {
			c.lookupGate <- struct{}{}
			defer func() { <-c.lookupGate }()

			header, err := c.provider.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
			if err != nil {
				return err
			}
			value = int64(header.Time) * 1000
			return nil
		})
		if err != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"block": blockNumber,
				"error": err.Error(),
			}).Warn("Block timestamp lookup failed, defaulting to zero")
			return 0, err
		}
		return value, nil
	})
	return ts
}

// mintPrice resolves the price paid per minted token: transaction value
// divided by the number of transfer logs in the receipt, rounded to four
// decimal places. For batch mints this divides the payment across tokens.
// Defaults to 0 after exhausting retries.
func (c *MintCollector) mintPrice(ctx context.Context, txHash common.Hash) float64 {
	price, _ := c.txPrices.do(txHash.Hex(), func() (float64, error) {
		var value float64
		err := retry.Do(ctx, retry.FixedConfig(lookupAttempts, time.Second), func(ctx context.Context, attempt int) error {
			c.lookupGate <- struct{}{}
			defer func() { <-c.lookupGate }()

			tx, _, err := c.provider.TransactionByHash(ctx, txHash)
			if err != nil {
				return err
			}
			receipt, err := c.provider.TransactionReceipt(ctx, txHash)
			if err != nil {
				return err
			}

			transfers := 0
			transferTopic := adapter.TransferEventTopic()
			for _, log := range receipt.Logs {
				if len(log.Topics) > 0 && log.Topics[0] == transferTopic {
					transfers++
				}
			}
			if transfers == 0 {
				transfers = 1
			}

			ether := new(big.Float).Quo(new(big.Float).SetInt(tx.Value()), big.NewFloat(weiPerEther))
			perToken, _ := new(big.Float).Quo(ether, big.NewFloat(float64(transfers))).Float64()
			value = math.Round(perToken*10000) / 10000
			return nil
		})
		if err != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"tx":    txHash.Hex(),
				"error": err.Error(),
			}).Warn("Mint price lookup failed, defaulting to zero")
			return 0, err
		}
		return value, nil
	})
	return price
}

// memo is a per-run request-level memoization table: concurrent callers for
// the same key share one resolution.
type memo[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*memoEntry[V]
}

type memoEntry[V any] struct {
	once sync.Once
	val  V
	err  error
}

func newMemo[K comparable, V any]() *memo[K, V] {
	return &memo[K, V]{entries: make(map[K]*memoEntry[V])}
}

func (m *memo[K, V]) do(key K, fn func() (V, error)) (V, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &memoEntry[V]{}
		m.entries[key] = entry
	}
	m.mu.Unlock()

	entry.once.Do(func() {
		entry.val, entry.err = fn()
	})
	return entry.val, entry.err
}
