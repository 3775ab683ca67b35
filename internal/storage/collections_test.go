package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/types"
)

// setupCollectionRepo connects to a local Postgres and prepares the schema.
// Integration tests skip when the database is unavailable.
func setupCollectionRepo(t *testing.T) *CollectionRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "collection_scanner",
		User:           "scanner",
		Password:       "scanner_dev_password",
		MaxConnections: 20,
	}

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations"); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return NewCollectionRepository(db)
}

// seedQueuedCollection saves one enqueued collection with a unique address
// and removes it again when the test ends.
func seedQueuedCollection(t *testing.T, repo *CollectionRepository) *types.Collection {
	t.Helper()
	ctx := context.Background()

	doc := &types.Collection{
		ChainID:       types.ChainEthereum,
		Address:       fmt.Sprintf("0x%040x", time.Now().UnixNano()),
		TokenStandard: types.StandardERC721,
	}
	doc.State.Create.Step = types.StepCollectionCreator
	doc.State.Queue.EnqueuedAt = time.Now().UnixMilli()
	require.NoError(t, repo.Save(ctx, doc))

	id := types.CollectionDocID(doc.ChainID, doc.Address)
	t.Cleanup(func() {
		_, _ = repo.db.Pool().Exec(context.Background(), `DELETE FROM collections WHERE id = $1`, id)
	})
	return doc
}

func TestCollectionRepositoryClaimArbitration(t *testing.T) {
	repo := setupCollectionRepo(t)
	ctx := context.Background()

	doc := seedQueuedCollection(t, repo)
	id := types.CollectionDocID(doc.ChainID, doc.Address)

	// N workers race the serializable claim transaction for one document;
	// losers observe ok == false, whether they lost to the claimed_at check
	// or to a serialization failure
	const racers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", worker)
			_, ok, err := repo.Claim(ctx, id, runID)
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, runID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one racing claim may win")

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, winners[0], stored.State.Queue.ClaimedBy)
	assert.NotZero(t, stored.State.Queue.ClaimedAt)
}

func TestCollectionRepositoryClaimLifecycle(t *testing.T) {
	repo := setupCollectionRepo(t)
	ctx := context.Background()

	doc := seedQueuedCollection(t, repo)
	id := types.CollectionDocID(doc.ChainID, doc.Address)

	claimed, ok, err := repo.Claim(ctx, id, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", claimed.State.Queue.ClaimedBy)

	_, ok, err = repo.Claim(ctx, id, "run-2")
	require.NoError(t, err)
	assert.False(t, ok, "a held claim cannot be taken")

	require.NoError(t, repo.Requeue(ctx, id))

	reclaimed, ok, err := repo.Claim(ctx, id, "run-3")
	require.NoError(t, err)
	require.True(t, ok, "a requeued collection is claimable again")
	assert.Equal(t, "run-3", reclaimed.State.Queue.ClaimedBy)

	// the queue head must not surface the claimed document
	head, err := repo.OldestUnclaimed(ctx)
	require.NoError(t, err)
	if head != nil {
		assert.NotEqual(t, id, types.CollectionDocID(head.ChainID, head.Address))
	}
}
