// Package pipeline implements the resumable creation state machines: one per
// collection and one per token. The machines perform no document-store I/O;
// every successful step transition and every terminal failure yields a token
// or collection snapshot for the caller to persist.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

const fetchAttempts = 3

// Rarity is the collection-wide rarity data injected at the Aggregate step
type Rarity struct {
	Score float64
	Rank  int
}

// TokenMachine drives one token through Uri -> Metadata -> Image ->
// Aggregate -> Complete. Each step is idempotent given the same input and
// never skips ahead. The Aggregate step suspends: the caller computes rarity
// collection-wide and calls Resume.
type TokenMachine struct {
	token    *types.Token
	chainID  types.ChainID
	address  string
	contract adapter.ContractAdapter
	fetcher  *adapter.MetadataFetcher
	blobs    adapter.BlobStore
}

// TokenMachineConfig configures a TokenMachine
type TokenMachineConfig struct {
	Token    *types.Token
	ChainID  types.ChainID
	Address  string
	Contract adapter.ContractAdapter
	Fetcher  *adapter.MetadataFetcher
	Blobs    adapter.BlobStore
	// Reset forces a restart at Uri regardless of the stored step,
	// used for forced re-indexing
	Reset bool
}

// NewTokenMachine creates a token state machine resuming at the token's
// persisted step.
func NewTokenMachine(cfg TokenMachineConfig) *TokenMachine {
	m := &TokenMachine{
		token:    cfg.Token,
		chainID:  cfg.ChainID,
		address:  types.NormalizeAddress(cfg.Address),
		contract: cfg.Contract,
		fetcher:  cfg.Fetcher,
		blobs:    cfg.Blobs,
	}
	step := m.token.State.Metadata.Step
	if cfg.Reset || step == types.RefreshMint || step.Index() < 0 {
		m.token.State.Metadata.Step = types.RefreshURI
	}
	return m
}

// Token returns the machine's current token snapshot
func (m *TokenMachine) Token() types.Token {
	return *m.token
}

// Step returns the token's current refresh step
func (m *TokenMachine) Step() types.RefreshStep {
	return m.token.State.Metadata.Step
}

// Advance runs steps until the machine suspends awaiting rarity data,
// completes, or fails. persist receives a snapshot after every successful
// transition and after a terminal failure. Returns suspended=true when the
// token is parked at Aggregate.
func (m *TokenMachine) Advance(ctx context.Context, persist func(types.Token)) (suspended bool, err error) {
	for {
		switch m.token.State.Metadata.Step {
		case types.RefreshURI:
			err = m.stepURI(ctx)
		case types.RefreshMetadata:
			err = m.stepMetadata(ctx)
		case types.RefreshImage:
			err = m.stepImage(ctx)
		case types.RefreshAggregate:
			return true, nil
		case types.RefreshComplete:
			return false, nil
		default:
			err = fmt.Errorf("unknown refresh step %q", m.token.State.Metadata.Step)
		}

		if err != nil {
			m.fail(err)
			persist(*m.token)
			return false, err
		}
		m.token.State.Metadata.Error = ""
		persist(*m.token)
	}
}

// Resume injects collection-wide rarity data into a token suspended at
// Aggregate and completes it. Fails with an aggregate step error if the
// injected value is not both numeric fields.
func (m *TokenMachine) Resume(rarity Rarity, persist func(types.Token)) error {
	if m.token.State.Metadata.Step != types.RefreshAggregate {
		return fmt.Errorf("token %s is at step %q, not awaiting aggregation",
			m.token.TokenID, m.token.State.Metadata.Step)
	}
	if math.IsNaN(rarity.Score) || math.IsInf(rarity.Score, 0) || rarity.Rank < 1 {
		err := errors.NewAggregateError(fmt.Errorf("invalid rarity injection: score=%v rank=%d", rarity.Score, rarity.Rank))
		m.fail(err)
		persist(*m.token)
		return err
	}

	m.token.RarityScore = rarity.Score
	m.token.RarityRank = rarity.Rank
	m.token.State.Metadata.Step = types.RefreshComplete
	m.token.State.Metadata.Error = ""
	persist(*m.token)
	return nil
}

// fail records the failure on the token. A recognized step error preserves
// the step it tagged; anything else is wrapped with the step at which it
// occurred and the token restarts from Uri.
func (m *TokenMachine) fail(err error) {
	if se, ok := errors.AsStepError(err); ok {
		if step := types.RefreshStep(se.Step); step.Index() >= 0 {
			m.token.State.Metadata.Step = step
		}
		m.token.State.Metadata.Error = se.Error()
		return
	}
	wrapped := &errors.StepError{Step: string(m.token.State.Metadata.Step), Cause: err}
	m.token.State.Metadata.Step = types.RefreshURI
	m.token.State.Metadata.Error = wrapped.Error()
}

func (m *TokenMachine) stepURI(ctx context.Context) error {
	uri, err := m.contract.TokenURI(ctx, m.token.TokenID)
	if err != nil {
		return errors.NewURIError(err)
	}
	m.token.TokenURI = uri
	m.token.State.Metadata.Step = types.RefreshMetadata
	return nil
}

func (m *TokenMachine) stepMetadata(ctx context.Context) error {
	var body []byte
	cfg := retry.FixedConfig(fetchAttempts, time.Second)
	cfg.Retryable = errors.IsTransient

	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		b, _, err := m.fetcher.Fetch(ctx, m.token.TokenURI)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return errors.NewMetadataError(err)
	}

	var metadata types.TokenMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return errors.NewMetadataError(fmt.Errorf("failed to parse metadata json: %w", err))
	}

	m.token.Metadata = metadata
	m.token.NumTraitTypes = countTraitTypes(metadata.Attributes)
	m.token.State.Metadata.Step = types.RefreshImage
	return nil
}

func (m *TokenMachine) stepImage(ctx context.Context) error {
	imageURL := m.token.Metadata.Image
	if imageURL == "" {
		return errors.NewImageError(fmt.Errorf("metadata has no image url"))
	}

	var (
		body        []byte
		contentType string
	)
	cfg := retry.FixedConfig(fetchAttempts, time.Second)
	cfg.Retryable = errors.IsTransient

	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		b, ct, err := m.fetcher.Fetch(ctx, imageURL)
		if err != nil {
			return err
		}
		body, contentType = b, ct
		return nil
	})
	if err != nil {
		return errors.NewImageError(err)
	}
	if len(body) == 0 {
		return errors.NewImageError(fmt.Errorf("empty image buffer"))
	}
	if contentType == "" {
		return errors.NewImageError(fmt.Errorf("missing image content type"))
	}

	// Content-addressed path: identical images across tokens dedupe to one blob
	hash := sha256.Sum256(body)
	path := fmt.Sprintf("images/%s/collections/%s/%s", m.chainID, m.address, hex.EncodeToString(hash[:]))

	publicURL, err := m.blobs.Upload(ctx, body, path, contentType)
	if err != nil {
		return fmt.Errorf("blob upload failed: %w", err)
	}
	if publicURL == "" {
		return errors.NewImageError(fmt.Errorf("blob store returned no public url"))
	}

	m.token.Image = types.TokenImage{
		URL:         publicURL,
		OriginalURL: imageURL,
		ContentType: contentType,
		UpdatedAt:   time.Now().UnixMilli(),
	}
	m.token.State.Metadata.Step = types.RefreshAggregate
	return nil
}

// countTraitTypes counts distinct trait types, defaulting an absent type to
// the attribute's value, matching trait aggregation keying.
func countTraitTypes(attrs []types.TokenAttribute) int {
	seen := make(map[string]struct{}, len(attrs))
	for _, attr := range attrs {
		traitType := attr.TraitType
		if traitType == "" {
			traitType = adapter.AttributeValueString(attr.Value)
		}
		seen[traitType] = struct{}{}
	}
	return len(seen)
}
