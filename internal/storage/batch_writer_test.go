package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

// memTokenWriter is an in-memory TokenWriter recording batches
type memTokenWriter struct {
	mu       sync.Mutex
	tokens   map[string]map[string]types.Token
	batches  []int
	saveErr  error
	failures int // fail this many SaveBatch calls, then succeed
}

func newMemTokenWriter() *memTokenWriter {
	return &memTokenWriter{tokens: make(map[string]map[string]types.Token)}
}

func (w *memTokenWriter) SaveBatch(ctx context.Context, collectionID string, tokens []*types.Token) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("write conflict")
	}
	if w.saveErr != nil {
		return w.saveErr
	}
	if w.tokens[collectionID] == nil {
		w.tokens[collectionID] = make(map[string]types.Token)
	}
	for _, token := range tokens {
		w.tokens[collectionID][token.TokenID] = *token
	}
	w.batches = append(w.batches, len(tokens))
	return nil
}

func (w *memTokenWriter) LoadAll(ctx context.Context, collectionID string) ([]*types.Token, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*types.Token, 0, len(w.tokens[collectionID]))
	for _, token := range w.tokens[collectionID] {
		token := token
		out = append(out, &token)
	}
	return out, nil
}

func (w *memTokenWriter) count(collectionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tokens[collectionID])
}

// memCollectionWriter is an in-memory CollectionWriter
type memCollectionWriter struct {
	mu          sync.Mutex
	collections map[string]types.Collection
	attributes  map[string]types.TraitCounts
}

func newMemCollectionWriter() *memCollectionWriter {
	return &memCollectionWriter{
		collections: make(map[string]types.Collection),
		attributes:  make(map[string]types.TraitCounts),
	}
}

func (w *memCollectionWriter) Save(ctx context.Context, collection *types.Collection) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collections[types.CollectionDocID(collection.ChainID, collection.Address)] = *collection
	return nil
}

func (w *memCollectionWriter) SaveAttributes(ctx context.Context, id string, counts types.TraitCounts) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attributes[id] = counts
	return nil
}

func newTestBatchWriter(tokens *memTokenWriter) *BatchWriter {
	w := NewBatchWriter(newMemCollectionWriter(), tokens)
	w.flushRetry = retry.FixedConfig(2, time.Millisecond)
	return w
}

func testToken(id string) *types.Token {
	return &types.Token{TokenID: id, State: types.TokenState{
		Metadata: types.TokenMetadataState{Step: types.RefreshMint},
	}}
}

func TestBatchWriterBuffersUntilFlush(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	w := newTestBatchWriter(tokens)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.SaveToken(ctx, "1:0xabc", testToken(fmt.Sprintf("%d", i))))
	}
	assert.Equal(t, 0, tokens.count("1:0xabc"), "writes stay buffered below the ceiling")

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 10, tokens.count("1:0xabc"))
}

func TestBatchWriterFlushesAtDocCeiling(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	w := newTestBatchWriter(tokens)

	for i := 0; i < maxBatchDocs; i++ {
		require.NoError(t, w.SaveToken(ctx, "1:0xabc", testToken(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, maxBatchDocs, tokens.count("1:0xabc"))
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.GreaterOrEqual(t, len(tokens.batches), 1)
	assert.Equal(t, maxBatchDocs, tokens.batches[0], "the ceiling batch flushed on its own")
}

func TestBatchWriterSnapshotsTokens(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	w := newTestBatchWriter(tokens)

	token := testToken("1")
	require.NoError(t, w.SaveToken(ctx, "1:0xabc", token))
	// the caller keeps mutating its copy after handing it over
	token.State.Metadata.Step = types.RefreshComplete

	require.NoError(t, w.Flush(ctx))
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Equal(t, types.RefreshMint, tokens.tokens["1:0xabc"]["1"].State.Metadata.Step)
}

func TestBatchWriterGroupsByCollection(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	w := newTestBatchWriter(tokens)

	require.NoError(t, w.SaveToken(ctx, "1:0xaaa", testToken("1")))
	require.NoError(t, w.SaveToken(ctx, "1:0xbbb", testToken("1")))
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, 1, tokens.count("1:0xaaa"))
	assert.Equal(t, 1, tokens.count("1:0xbbb"))
}

func TestBatchWriterRetriesTransientFlushFailures(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	tokens.failures = 1
	w := newTestBatchWriter(tokens)

	require.NoError(t, w.SaveToken(ctx, "1:0xabc", testToken("1")))
	require.NoError(t, w.Flush(ctx), "one failed attempt is absorbed by the retry")
	assert.Equal(t, 1, tokens.count("1:0xabc"))
}

func TestBatchWriterPoisonsOnFlushFailure(t *testing.T) {
	ctx := context.Background()
	tokens := newMemTokenWriter()
	tokens.saveErr = errors.New("database gone")
	w := newTestBatchWriter(tokens)

	require.NoError(t, w.SaveToken(ctx, "1:0xabc", testToken("1")))
	err := w.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch flush of 1 docs failed")
	assert.Contains(t, err.Error(), "1:0xabc/1", "the error names a sample document")

	t.Run("every later call returns the first error", func(t *testing.T) {
		assert.Error(t, w.SaveToken(ctx, "1:0xabc", testToken("2")))
		assert.Error(t, w.SaveCollection(ctx, &types.Collection{ChainID: types.ChainEthereum, Address: "0xabc"}))
		_, loadErr := w.LoadTokens(ctx, "1:0xabc")
		assert.Error(t, loadErr)
		assert.Error(t, w.SaveAttributes(ctx, "1:0xabc", types.TraitCounts{}))
	})
}

func TestBatchWriterCollectionWritesPassThrough(t *testing.T) {
	ctx := context.Background()
	collections := newMemCollectionWriter()
	w := NewBatchWriter(collections, newMemTokenWriter())
	w.flushRetry = retry.FixedConfig(2, time.Millisecond)

	collection := &types.Collection{ChainID: types.ChainEthereum, Address: "0xabc"}
	require.NoError(t, w.SaveCollection(ctx, collection))

	collections.mu.Lock()
	defer collections.mu.Unlock()
	assert.Len(t, collections.collections, 1)
}
