package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/collection-scanner/internal/types"
)

// TokenRepository persists per-token documents nested under a collection
type TokenRepository struct {
	db *PostgresDB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *PostgresDB) *TokenRepository {
	return &TokenRepository{db: db}
}

const upsertTokenQuery = `
	INSERT INTO tokens (collection_id, token_id, data, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (collection_id, token_id)
	DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`

// Save upserts one token document
func (r *TokenRepository) Save(ctx context.Context, collectionID string, token *types.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", token.TokenID, err)
	}
	if _, err := r.db.Pool().Exec(ctx, upsertTokenQuery, collectionID, token.TokenID, data); err != nil {
		return fmt.Errorf("failed to save token %s/%s: %w", collectionID, token.TokenID, err)
	}
	return nil
}

// SaveBatch upserts many token documents in one round trip
func (r *TokenRepository) SaveBatch(ctx context.Context, collectionID string, tokens []*types.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, token := range tokens {
		data, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("failed to marshal token %s: %w", token.TokenID, err)
		}
		batch.Queue(upsertTokenQuery, collectionID, token.TokenID, data)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for i := range tokens {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save token %s/%s: %w", collectionID, tokens[i].TokenID, err)
		}
	}
	return nil
}

// LoadAll streams every token document of a collection into memory
func (r *TokenRepository) LoadAll(ctx context.Context, collectionID string) ([]*types.Token, error) {
	query := `SELECT data FROM tokens WHERE collection_id = $1 ORDER BY token_id`
	rows, err := r.db.Pool().Query(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens for %s: %w", collectionID, err)
	}
	defer rows.Close()

	var tokens []*types.Token
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		var token types.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token document: %w", err)
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

// Count returns the number of token documents under a collection
func (r *TokenRepository) Count(ctx context.Context, collectionID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `SELECT count(*) FROM tokens WHERE collection_id = $1`, collectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens for %s: %w", collectionID, err)
	}
	return count, nil
}
