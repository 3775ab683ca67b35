package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// serializationFailure is the SQLSTATE Postgres raises when a serializable
// transaction loses a claim race
const serializationFailure = "40001"

// CollectionRepository persists collection documents. The jsonb column is the
// authoritative document; step, enqueued_at and claimed_at are mirrored into
// indexed columns so the queue can scan without unpacking every document.
type CollectionRepository struct {
	db *PostgresDB
}

// NewCollectionRepository creates a new collection repository
func NewCollectionRepository(db *PostgresDB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

// Save upserts the whole collection document
func (r *CollectionRepository) Save(ctx context.Context, collection *types.Collection) error {
	data, err := json.Marshal(collection)
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}

	query := `
		INSERT INTO collections (id, chain_id, address, step, enqueued_at, claimed_at, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id)
		DO UPDATE SET
			step = EXCLUDED.step,
			enqueued_at = EXCLUDED.enqueued_at,
			claimed_at = EXCLUDED.claimed_at,
			data = EXCLUDED.data,
			updated_at = now()
	`

	id := types.CollectionDocID(collection.ChainID, collection.Address)
	_, err = r.db.Pool().Exec(ctx, query,
		id,
		string(collection.ChainID),
		types.NormalizeAddress(collection.Address),
		string(collection.State.Create.Step),
		collection.State.Queue.EnqueuedAt,
		collection.State.Queue.ClaimedAt,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to save collection %s: %w", id, err)
	}
	return nil
}

// Get retrieves a collection by chain id and address, or nil if absent
func (r *CollectionRepository) Get(ctx context.Context, chainID types.ChainID, address string) (*types.Collection, error) {
	return r.GetByID(ctx, types.CollectionDocID(chainID, address))
}

// GetByID retrieves a collection by document id, or nil if absent
func (r *CollectionRepository) GetByID(ctx context.Context, id string) (*types.Collection, error) {
	var data []byte
	err := r.db.Pool().QueryRow(ctx, `SELECT data FROM collections WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get collection %s: %w", id, err)
	}

	var collection types.Collection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection %s: %w", id, err)
	}
	return &collection, nil
}

// SaveAttributes merges collection-wide trait counts into the document
func (r *CollectionRepository) SaveAttributes(ctx context.Context, id string, counts types.TraitCounts) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to marshal trait counts: %w", err)
	}

	query := `
		UPDATE collections
		SET data = jsonb_set(data, '{attributes}', $2::jsonb), updated_at = now()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id, data)
	if err != nil {
		return fmt.Errorf("failed to save attributes for %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("collection not found: %s", id)
	}
	return nil
}

// OldestUnclaimed returns the longest-enqueued unclaimed incomplete collection,
// or nil when the queue is empty.
func (r *CollectionRepository) OldestUnclaimed(ctx context.Context) (*types.Collection, error) {
	query := `
		SELECT data FROM collections
		WHERE enqueued_at > 0 AND claimed_at = 0 AND step != $1
		ORDER BY enqueued_at ASC
		LIMIT 1
	`
	var data []byte
	err := r.db.Pool().QueryRow(ctx, query, string(types.StepComplete)).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query queue head: %w", err)
	}

	var collection types.Collection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue head: %w", err)
	}
	return &collection, nil
}

// Claim atomically claims a collection for a worker run. The claim runs in a
// serializable transaction so two workers racing for the same collection
// cannot both win; the loser observes ok == false and re-polls.
func (r *CollectionRepository) Claim(ctx context.Context, id, runID string) (*types.Collection, bool, error) {
	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM collections WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read claim candidate %s: %w", id, err)
	}

	var collection types.Collection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal claim candidate %s: %w", id, err)
	}

	// Someone else claimed between the poll and this transaction
	if collection.State.Queue.ClaimedAt != 0 || collection.State.Queue.EnqueuedAt == 0 {
		return nil, false, nil
	}

	now := time.Now().UnixMilli()
	collection.State.Queue.ClaimedAt = now
	collection.State.Queue.ClaimedBy = runID

	updated, err := json.Marshal(&collection)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal claimed collection: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE collections SET claimed_at = $2, data = $3, updated_at = now() WHERE id = $1`,
		id, now, updated)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim collection %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to commit claim of %s: %w", id, err)
	}
	return &collection, true, nil
}

// Release clears the claim on a collection without touching queue membership
func (r *CollectionRepository) Release(ctx context.Context, id string) error {
	query := `
		UPDATE collections
		SET claimed_at = 0,
		    data = jsonb_set(jsonb_set(data, '{state,queue,claimedAt}', '0'), '{state,queue,claimedBy}', '""'),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", id, err)
	}
	return nil
}

// Requeue clears the claim and moves the collection to the back of the queue
func (r *CollectionRepository) Requeue(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	query := `
		UPDATE collections
		SET claimed_at = 0, enqueued_at = $2,
		    data = jsonb_set(jsonb_set(jsonb_set(data,
		        '{state,queue,claimedAt}', '0'),
		        '{state,queue,claimedBy}', '""'),
		        '{state,queue,enqueuedAt}', $3::jsonb),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, id, now, fmt.Sprintf("%d", now)); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	return nil
}

// StaleClaimIDs lists incomplete collections whose claim is older than cutoff
func (r *CollectionRepository) StaleClaimIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		SELECT id FROM collections
		WHERE claimed_at > 0 AND claimed_at < $1 AND step != $2
	`
	rows, err := r.db.Pool().Query(ctx, query, cutoff.UnixMilli(), string(types.StepComplete))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale claims: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale claim id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Watch polls the queue head and emits the latest snapshot on a buffered
// channel. Intermediate snapshots are dropped while the consumer is busy, so
// a slow consumer always observes the most recent queue head. The channel
// closes when ctx is cancelled.
func (r *CollectionRepository) Watch(ctx context.Context, interval time.Duration) <-chan *types.Collection {
	out := make(chan *types.Collection, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			head, err := r.OldestUnclaimed(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.FromContext(ctx).WithError(err).Warn("Queue watch poll failed")
			} else if head != nil {
				// drop the stale snapshot if the consumer has not taken it
				select {
				case out <- head:
				default:
					select {
					case <-out:
					default:
					}
					out <- head
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
