package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

const (
	// maxBatchDocs caps documents per flush
	maxBatchDocs = 500
	// maxBatchBytes keeps a flush payload at roughly three quarters of a
	// 10 MB request ceiling, leaving headroom for encoding overhead
	maxBatchBytes = 7_500_000

	flushAttempts = 5
	flushDelay    = 3 * time.Second
)

// pendingToken is one buffered token write with its encoded size
type pendingToken struct {
	collectionID string
	token        types.Token
	size         int
}

// CollectionWriter is the collection-level persistence the batch writer
// delegates to. Satisfied by CollectionRepository.
type CollectionWriter interface {
	Save(ctx context.Context, collection *types.Collection) error
	SaveAttributes(ctx context.Context, id string, counts types.TraitCounts) error
}

// TokenWriter is the token-level persistence the batch writer delegates to.
// Satisfied by TokenRepository.
type TokenWriter interface {
	SaveBatch(ctx context.Context, collectionID string, tokens []*types.Token) error
	LoadAll(ctx context.Context, collectionID string) ([]*types.Token, error)
}

// BatchWriter implements the pipeline's persistence surface over the
// repositories, buffering token writes and flushing asynchronously whenever
// the document or byte ceiling is reached. Collection-level writes pass
// through unbuffered. A failed flush poisons the writer: every later call
// returns the first flush error so the pipeline stops instead of silently
// dropping documents.
type BatchWriter struct {
	collections CollectionWriter
	tokens      TokenWriter
	flushRetry  *retry.Config

	mu       sync.Mutex
	pending  []pendingToken
	bytes    int
	firstErr error
	flushing sync.WaitGroup
}

// NewBatchWriter creates a batch writer over the given repositories
func NewBatchWriter(collections CollectionWriter, tokens TokenWriter) *BatchWriter {
	return &BatchWriter{
		collections: collections,
		tokens:      tokens,
		flushRetry:  retry.FixedConfig(flushAttempts, flushDelay),
	}
}

// SaveCollection writes the collection document immediately
func (w *BatchWriter) SaveCollection(ctx context.Context, collection *types.Collection) error {
	if err := w.err(); err != nil {
		return err
	}
	return w.collections.Save(ctx, collection)
}

// SaveToken buffers one token document, flushing in the background once a
// ceiling is hit. The snapshot is copied so callers may keep mutating theirs.
func (w *BatchWriter) SaveToken(ctx context.Context, collectionID string, token *types.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to size token %s: %w", token.TokenID, err)
	}

	w.mu.Lock()
	if w.firstErr != nil {
		err := w.firstErr
		w.mu.Unlock()
		return err
	}
	w.pending = append(w.pending, pendingToken{collectionID: collectionID, token: *token, size: len(data)})
	w.bytes += len(data)

	var drained []pendingToken
	if len(w.pending) >= maxBatchDocs || w.bytes >= maxBatchBytes {
		drained = w.pending
		w.pending = nil
		w.bytes = 0
	}
	w.mu.Unlock()

	if drained != nil {
		// flush in the background while new writes keep accumulating
		w.flushing.Add(1)
		go func() {
			defer w.flushing.Done()
			w.flushBatch(ctx, drained)
		}()
	}
	return nil
}

// LoadTokens drains buffered writes and returns every token of the collection
func (w *BatchWriter) LoadTokens(ctx context.Context, collectionID string) ([]*types.Token, error) {
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	return w.tokens.LoadAll(ctx, collectionID)
}

// SaveAttributes writes trait counts after draining buffered token writes
func (w *BatchWriter) SaveAttributes(ctx context.Context, collectionID string, counts types.TraitCounts) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	return w.collections.SaveAttributes(ctx, collectionID, counts)
}

// Flush synchronously writes everything buffered and waits for in-flight
// background flushes.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	drained := w.pending
	w.pending = nil
	w.bytes = 0
	w.mu.Unlock()

	if len(drained) > 0 {
		w.flushBatch(ctx, drained)
	}
	w.flushing.Wait()
	return w.err()
}

func (w *BatchWriter) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

// flushBatch writes one drained batch grouped by collection, retrying the
// whole batch on failure.
func (w *BatchWriter) flushBatch(ctx context.Context, batch []pendingToken) {
	grouped := make(map[string][]*types.Token)
	for i := range batch {
		p := &batch[i]
		grouped[p.collectionID] = append(grouped[p.collectionID], &p.token)
	}

	err := retry.Do(ctx, w.flushRetry, func(ctx context.Context, attempt int) error {
		for collectionID, tokens := range grouped {
			if err := w.tokens.SaveBatch(ctx, collectionID, tokens); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sample := fmt.Sprintf("%s/%s", batch[0].collectionID, batch[0].token.TokenID)
		flushErr := fmt.Errorf("batch flush of %d docs failed (sample doc %s): %w", len(batch), sample, err)
		logging.FromContext(ctx).WithError(flushErr).Error("Batch write failed, poisoning writer")

		w.mu.Lock()
		if w.firstErr == nil {
			w.firstErr = flushErr
		}
		w.mu.Unlock()
	}
}
