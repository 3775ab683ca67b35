package collector

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/types"
)

const testContract = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"

// fakeChain serves block headers, transactions and receipts from fixtures and
// counts header lookups per block.
type fakeChain struct {
	mu          sync.Mutex
	headerCalls map[uint64]int
	headerErr   error
	txs         map[common.Hash]*ethtypes.Transaction
	receipts    map[common.Hash]*ethtypes.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		headerCalls: make(map[uint64]int),
		txs:         make(map[common.Hash]*ethtypes.Transaction),
		receipts:    make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return 10_000, nil }

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return nil, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	f.mu.Lock()
	f.headerCalls[number.Uint64()]++
	f.mu.Unlock()
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return &ethtypes.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, errors.New("transaction not found")
	}
	return tx, false, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, errors.New("receipt not found")
	}
	return receipt, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("execution reverted")
}

func (f *fakeChain) headerCallCount(block uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerCalls[block]
}

// addTx registers a transaction paying value wei whose receipt carries
// transfers transfer logs, for batch-mint price division.
func (f *fakeChain) addTx(hash common.Hash, value *big.Int, transfers int) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{Value: value})
	logs := make([]*ethtypes.Log, transfers)
	for i := range logs {
		logs[i] = &ethtypes.Log{Topics: []common.Hash{adapter.TransferEventTopic()}}
	}
	f.mu.Lock()
	f.txs[hash] = tx
	f.receipts[hash] = &ethtypes.Receipt{Logs: logs}
	f.mu.Unlock()
}

func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func mintLog(block uint64, txHash common.Hash, minter string, tokenID int64) ethtypes.Log {
	return ethtypes.Log{
		BlockNumber: block,
		TxHash:      txHash,
		Topics: []common.Hash{
			adapter.TransferEventTopic(),
			addressTopic(types.NullAddress),
			addressTopic(minter),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func newTestCollector(t *testing.T, chain *fakeChain, archive EventArchive) *MintCollector {
	t.Helper()
	provider := adapter.NewProvider("test", chain, nil)
	contract, err := adapter.NewContractAdapter(types.StandardERC721, provider, testContract)
	require.NoError(t, err)
	return New(Config{
		Provider: provider,
		Contract: contract,
		ChainID:  types.ChainEthereum,
		Archive:  archive,
		RunID:    "run-1",
	})
}

func streamOf(results ...adapter.ChunkResult) <-chan adapter.ChunkResult {
	out := make(chan adapter.ChunkResult, len(results))
	for _, r := range results {
		out <- r
	}
	close(out)
	return out
}

type captureArchive struct {
	mu    sync.Mutex
	runID string
	mints []*types.MintToken
}

func (a *captureArchive) ArchiveMints(ctx context.Context, runID string, mints []*types.MintToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runID = runID
	a.mints = append(a.mints, mints...)
	return nil
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	minter := "0x1111111111111111111111111111111111111111"
	other := "0x2222222222222222222222222222222222222222"

	batchTx := common.HexToHash("0x01")
	singleTx := common.HexToHash("0x02")

	chain := newFakeChain()
	// batch mint of two tokens for 2 ETH, and a single mint for 0.5 ETH
	chain.addTx(batchTx, big.NewInt(2_000_000_000_000_000_000), 2)
	chain.addTx(singleTx, big.NewInt(500_000_000_000_000_000), 1)

	badLog := mintLog(101, singleTx, minter, 99)
	badLog.Topics = badLog.Topics[:2]

	archive := &captureArchive{}
	collector := newTestCollector(t, chain, archive)

	var progress []float64
	result := collector.Collect(ctx, streamOf(
		adapter.ChunkResult{Chunk: adapter.Chunk{
			FromBlock: 100,
			ToBlock:   100,
			Progress:  50,
			Events: []ethtypes.Log{
				mintLog(100, batchTx, minter, 1),
				mintLog(100, batchTx, minter, 2),
				// secondary transfer, not a mint
				{BlockNumber: 100, TxHash: batchTx, Topics: []common.Hash{
					adapter.TransferEventTopic(), addressTopic(minter), addressTopic(other), common.BigToHash(big.NewInt(1)),
				}},
			},
		}},
		adapter.ChunkResult{Chunk: adapter.Chunk{
			FromBlock: 101,
			ToBlock:   101,
			Progress:  100,
			Events:    []ethtypes.Log{mintLog(101, singleTx, other, 3), badLog},
		}},
	), func(p float64, lastBlock uint64) {
		progress = append(progress, p)
	})

	t.Run("produces one record per mint", func(t *testing.T) {
		require.Len(t, result.Tokens, 3)

		byID := make(map[string]*types.MintToken)
		for _, mint := range result.Tokens {
			byID[mint.TokenID] = mint
		}
		require.Contains(t, byID, "1")
		require.Contains(t, byID, "2")
		require.Contains(t, byID, "3")

		assert.Equal(t, minter, byID["1"].Minter)
		assert.Equal(t, other, byID["3"].Minter)
		assert.Equal(t, testContract, byID["1"].Address)
		assert.Equal(t, types.ChainEthereum, byID["1"].ChainID)
	})

	t.Run("divides the payment across batch mints", func(t *testing.T) {
		byID := make(map[string]*types.MintToken)
		for _, mint := range result.Tokens {
			byID[mint.TokenID] = mint
		}
		assert.Equal(t, 1.0, byID["1"].MintPrice)
		assert.Equal(t, 1.0, byID["2"].MintPrice)
		assert.Equal(t, 0.5, byID["3"].MintPrice)
	})

	t.Run("resolves block timestamps in ms", func(t *testing.T) {
		for _, mint := range result.Tokens {
			assert.Equal(t, int64(1_700_000_000+mint.BlockNumber)*1000, mint.MintedAt)
		}
	})

	t.Run("memoizes per-block and per-tx lookups", func(t *testing.T) {
		assert.Equal(t, 1, chain.headerCallCount(100), "block 100 resolved once for two mints")
		assert.Equal(t, 1, chain.headerCallCount(101))
	})

	t.Run("tracks pagination bookkeeping", func(t *testing.T) {
		assert.True(t, result.GotAllBlocks)
		assert.Equal(t, uint64(100), result.StartBlock)
		assert.Equal(t, uint64(101), result.LastSuccessfulBlock)
		assert.Equal(t, 1, result.FailedWithUnknownErrors)
		assert.Equal(t, []float64{50, 100}, progress)
	})

	t.Run("archives decoded mints with the run id", func(t *testing.T) {
		archive.mu.Lock()
		defer archive.mu.Unlock()
		assert.Equal(t, "run-1", archive.runID)
		assert.Len(t, archive.mints, 3)
	})
}

func TestCollectStreamError(t *testing.T) {
	chain := newFakeChain()
	tx := common.HexToHash("0x03")
	chain.addTx(tx, big.NewInt(0), 1)
	collector := newTestCollector(t, chain, nil)

	minter := "0x1111111111111111111111111111111111111111"
	result := collector.Collect(context.Background(), streamOf(
		adapter.ChunkResult{Chunk: adapter.Chunk{
			FromBlock: 10, ToBlock: 19,
			Events: []ethtypes.Log{mintLog(15, tx, minter, 7)},
		}},
		adapter.ChunkResult{Err: errors.New("window [20, 29] failed after 5 attempts")},
	), nil)

	assert.False(t, result.GotAllBlocks, "a stream error must force a resumed run")
	assert.Equal(t, uint64(19), result.LastSuccessfulBlock)
	require.Len(t, result.Tokens, 1)
	assert.Equal(t, 0.0, result.Tokens[0].MintPrice, "free mint prices stay zero")
}

func TestCollectEmptyStream(t *testing.T) {
	collector := newTestCollector(t, newFakeChain(), nil)
	result := collector.Collect(context.Background(), streamOf(), nil)

	assert.True(t, result.GotAllBlocks)
	assert.Empty(t, result.Tokens)
	assert.Zero(t, result.LastSuccessfulBlock)
}
