package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/collector"
	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

// CollectionStore is the persistence surface the collection machine writes
// through. Implementations batch writes; the machine never touches the
// document store directly.
type CollectionStore interface {
	SaveCollection(ctx context.Context, collection *types.Collection) error
	SaveToken(ctx context.Context, collectionID string, token *types.Token) error
	LoadTokens(ctx context.Context, collectionID string) ([]*types.Token, error)
	SaveAttributes(ctx context.Context, collectionID string, counts types.TraitCounts) error
}

// RarityScorer computes a rarity score and rank for every token given the
// collection-wide trait counts. Pluggable; the frequency scorer below is the
// default.
type RarityScorer func(tokens []*types.Token, counts types.TraitCounts) map[string]Rarity

// FrequencyRarityScorer scores each token by the sum of inverse trait-value
// frequencies. Rank 1 is the rarest; ties break by token id for determinism.
func FrequencyRarityScorer(tokens []*types.Token, counts types.TraitCounts) map[string]Rarity {
	total := len(tokens)
	if total == 0 {
		return map[string]Rarity{}
	}

	scores := make(map[string]Rarity, total)
	for _, token := range tokens {
		score := 0.0
		for _, attr := range token.Metadata.Attributes {
			value := adapter.AttributeValueString(attr.Value)
			traitType := attr.TraitType
			if traitType == "" {
				traitType = value
			}
			if n := counts[traitType][value]; n > 0 {
				score += float64(total) / float64(n)
			}
		}
		scores[token.TokenID] = Rarity{Score: score}
	}

	ranked := make([]*types.Token, len(tokens))
	copy(ranked, tokens)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].TokenID].Score, scores[ranked[j].TokenID].Score
		if si != sj {
			return si > sj
		}
		return ranked[i].TokenID < ranked[j].TokenID
	})
	for i, token := range ranked {
		r := scores[token.TokenID]
		r.Rank = i + 1
		scores[token.TokenID] = r
	}
	return scores
}

// CollectionMachine drives one collection through the creation pipeline:
// CollectionCreator -> CollectionMetadata -> CollectionMints ->
// TokenMetadata -> AggregateMetadata -> Complete. It resumes from the
// collection's persisted step.
type CollectionMachine struct {
	cfg CollectionMachineConfig

	// suspended keeps machines parked at Aggregate between the
	// TokenMetadata barrier and the AggregateMetadata injection
	suspended map[string]*TokenMachine
}

// CollectionMachineConfig configures a CollectionMachine
type CollectionMachineConfig struct {
	Provider       *adapter.Provider
	Contract       adapter.ContractAdapter
	MetadataClient *adapter.CollectionMetadataClient
	Fetcher        *adapter.MetadataFetcher
	Blobs          adapter.BlobStore
	Store          CollectionStore
	Archive        collector.EventArchive // optional
	RunID          string

	TokenConcurrency  int
	LookupConcurrency int
	ChunkQueueSize    int

	Scorer RarityScorer // nil selects FrequencyRarityScorer
}

// NewCollectionMachine creates a collection state machine
func NewCollectionMachine(cfg CollectionMachineConfig) *CollectionMachine {
	if cfg.Scorer == nil {
		cfg.Scorer = FrequencyRarityScorer
	}
	if cfg.TokenConcurrency <= 0 {
		cfg.TokenConcurrency = 50
	}
	return &CollectionMachine{
		cfg:       cfg,
		suspended: make(map[string]*TokenMachine),
	}
}

// Run drives the collection from its persisted step to Complete. On a step
// failure the error (tagged with the step) is recorded on the collection and
// returned; the caller decides whether to retry the run.
func (m *CollectionMachine) Run(ctx context.Context, collection *types.Collection) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chainId": collection.ChainID,
		"address": collection.Address,
	})
	ctx = logging.WithLogger(ctx, logger)

	if collection.State.Create.Step == types.StepUnknown {
		// untrusted failure point: restart the pipeline from the beginning
		collection.State.Create.Step = types.StepCollectionCreator
	}

	for {
		step := collection.State.Create.Step
		var err error

		switch step {
		case types.StepCollectionCreator:
			err = m.stepCreator(ctx, collection)
		case types.StepCollectionMetadata:
			err = m.stepMetadata(ctx, collection)
		case types.StepCollectionMints:
			err = m.stepMints(ctx, collection)
		case types.StepTokenMetadata:
			err = m.stepTokenMetadata(ctx, collection)
		case types.StepAggregateMetadata:
			err = m.stepAggregate(ctx, collection)
		case types.StepComplete:
			return nil
		default:
			err = fmt.Errorf("unknown creation step %q", step)
		}

		if err != nil {
			tagged := err
			if _, ok := errors.AsStepError(err); !ok {
				tagged = errors.NewCreationStepError(step, err)
			}
			collection.State.Create.Error = tagged.Error()
			collection.State.Create.UpdatedAt = time.Now().UnixMilli()
			if saveErr := m.cfg.Store.SaveCollection(ctx, collection); saveErr != nil {
				logger.WithError(saveErr).Error("Failed to persist step failure")
			}
			return tagged
		}

		collection.State.Create.Error = ""
		collection.State.Create.UpdatedAt = time.Now().UnixMilli()
		if err := m.cfg.Store.SaveCollection(ctx, collection); err != nil {
			return fmt.Errorf("failed to persist collection after step %s: %w", step, err)
		}
		logger.WithField("step", string(collection.State.Create.Step)).Info("Collection advanced")
	}
}

// stepCreator resolves the deployer and owner from the contract creation event
func (m *CollectionMachine) stepCreator(ctx context.Context, collection *types.Collection) error {
	var creation struct {
		deployer string
		block    uint64
		at       int64
	}

	cfg := retry.FixedConfig(3, 2*time.Second)
	cfg.Retryable = func(err error) bool { return !errors.IsFatal(err) }
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		log, err := m.cfg.Contract.ContractCreationLog(ctx)
		if err != nil {
			return err
		}
		deployer, err := m.cfg.Contract.DecodeDeployer(log)
		if err != nil {
			return err
		}
		creation.deployer = deployer
		creation.block = log.BlockNumber

		header, err := m.cfg.Provider.HeaderByNumber(ctx, new(big.Int).SetUint64(log.BlockNumber))
		if err == nil {
			creation.at = int64(header.Time) * 1000
		}
		return nil
	})
	if err != nil {
		return err
	}

	owner, err := m.cfg.Contract.Owner(ctx)
	if err != nil {
		return err
	}
	if owner == "" || owner == types.NullAddress {
		owner = creation.deployer
	}

	collection.Deployer = creation.deployer
	collection.Owner = owner
	collection.DeployedAtBlock = creation.block
	collection.DeployedAt = creation.at
	collection.TokenStandard = m.cfg.Contract.Standard()
	collection.State.Create.Step = types.StepCollectionMetadata
	return nil
}

// stepMetadata fetches name/description/links from the metadata provider
func (m *CollectionMachine) stepMetadata(ctx context.Context, collection *types.Collection) error {
	cfg := retry.FixedConfig(3, 2*time.Second)
	cfg.Retryable = errors.IsTransient

	var metadata types.CollectionMetadata
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		md, err := m.cfg.MetadataClient.GetCollectionMetadata(ctx, collection.ChainID, collection.Address)
		if err != nil {
			return err
		}
		metadata = md
		return nil
	})
	if err != nil {
		return err
	}

	collection.Metadata = metadata
	collection.State.Create.Step = types.StepCollectionMints
	return nil
}

// stepMints paginates mint transfers through the mint collector and creates
// one token document per discovered mint. Resumes pagination from the last
// successful block of a prior partial run.
func (m *CollectionMachine) stepMints(ctx context.Context, collection *types.Collection) error {
	fromBlock := collection.DeployedAtBlock
	if resume := collection.State.Create.LastSuccessfulBlock; resume > fromBlock {
		fromBlock = resume
	}

	paginator := adapter.NewPaginator(m.cfg.Provider)
	stream := paginator.Stream(ctx, adapter.PaginateOptions{FromBlock: fromBlock}, m.cfg.Contract.MintQuery())

	mints := collector.New(collector.Config{
		Provider:          m.cfg.Provider,
		Contract:          m.cfg.Contract,
		ChainID:           collection.ChainID,
		Archive:           m.cfg.Archive,
		RunID:             m.cfg.RunID,
		LookupConcurrency: m.cfg.LookupConcurrency,
		ChunkQueueSize:    m.cfg.ChunkQueueSize,
	})

	var progressMu sync.Mutex
	result := mints.Collect(ctx, stream, func(progress float64, lastBlock uint64) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if progress > collection.State.Create.Progress {
			collection.State.Create.Progress = progress
		}
	})

	// Callers of the paginator own deduplication; keep the first record per
	// id, including tokens persisted by an earlier partial run. Tokens are
	// written before the completeness check so an interrupted run never loses
	// the mints it already paid to discover.
	collectionID := types.CollectionDocID(collection.ChainID, collection.Address)
	existing, err := m.cfg.Store.LoadTokens(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	seen := make(map[string]struct{}, len(existing)+len(result.Tokens))
	for _, token := range existing {
		seen[token.TokenID] = struct{}{}
	}
	for _, mint := range result.Tokens {
		if _, dup := seen[mint.TokenID]; dup {
			continue
		}
		seen[mint.TokenID] = struct{}{}

		token := &types.Token{
			TokenID:    mint.TokenID,
			Minter:     mint.Minter,
			MintedAt:   mint.MintedAt,
			MintTxHash: mint.MintTxHash,
			MintPrice:  mint.MintPrice,
			State: types.TokenState{
				Metadata: types.TokenMetadataState{Step: types.RefreshMint},
			},
		}
		if err := m.cfg.Store.SaveToken(ctx, collectionID, token); err != nil {
			return fmt.Errorf("failed to persist token %s: %w", mint.TokenID, err)
		}
	}

	if result.LastSuccessfulBlock > collection.State.Create.LastSuccessfulBlock {
		collection.State.Create.LastSuccessfulBlock = result.LastSuccessfulBlock
	}
	if !result.GotAllBlocks {
		return fmt.Errorf("mint pagination incomplete, resume from block %d", result.LastSuccessfulBlock)
	}

	if result.FailedWithUnknownErrors > 0 {
		logging.FromContext(ctx).WithField("failed", result.FailedWithUnknownErrors).
			Warn("Some mint events failed to decode")
	}

	collection.NumNFTs = len(seen)
	collection.State.Create.Progress = 100
	collection.State.Create.Step = types.StepTokenMetadata
	return nil
}

// stepTokenMetadata drives one token machine per token concurrently under a
// bounded pool. Every machine must reach the Aggregate barrier before any is
// released past it; tokens that errored keep their recorded step for a later
// retry and fail this step.
func (m *CollectionMachine) stepTokenMetadata(ctx context.Context, collection *types.Collection) error {
	collectionID := types.CollectionDocID(collection.ChainID, collection.Address)
	tokens, err := m.cfg.Store.LoadTokens(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		errored int
	)
	pool := make(chan struct{}, m.cfg.TokenConcurrency)

	for _, token := range tokens {
		if token.State.Metadata.Step == types.RefreshComplete {
			continue
		}
		token := token
		pool <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-pool }()

			machine := NewTokenMachine(TokenMachineConfig{
				Token:    token,
				ChainID:  collection.ChainID,
				Address:  collection.Address,
				Contract: m.cfg.Contract,
				Fetcher:  m.cfg.Fetcher,
				Blobs:    m.cfg.Blobs,
			})

			persist := func(snapshot types.Token) {
				if err := m.cfg.Store.SaveToken(ctx, collectionID, &snapshot); err != nil {
					logging.FromContext(ctx).WithError(err).
						WithField("tokenId", snapshot.TokenID).Error("Failed to persist token snapshot")
				}
			}

			suspendedAtAggregate, err := machine.Advance(ctx, persist)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errored++
				return
			}
			if suspendedAtAggregate {
				m.suspended[token.TokenID] = machine
			}
		}()
	}
	wg.Wait()

	if errored > 0 {
		return fmt.Errorf("%d of %d tokens failed metadata refresh", errored, len(tokens))
	}

	collection.State.Create.Step = types.StepAggregateMetadata
	return nil
}

// stepAggregate computes collection-wide trait counts and rarity, then
// releases every token suspended at the Aggregate barrier.
func (m *CollectionMachine) stepAggregate(ctx context.Context, collection *types.Collection) error {
	collectionID := types.CollectionDocID(collection.ChainID, collection.Address)
	tokens, err := m.cfg.Store.LoadTokens(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}

	// Aggregation is only safe once every token carries usable metadata
	pending := make([]*types.Token, 0, len(tokens))
	for _, token := range tokens {
		if token.State.Metadata.Error != "" {
			return fmt.Errorf("token %s still carries error %q", token.TokenID, token.State.Metadata.Error)
		}
		if token.State.Metadata.Step != types.RefreshComplete {
			pending = append(pending, token)
		}
	}

	counts := m.cfg.Contract.AggregateTraits(tokens)
	rarities := m.cfg.Scorer(tokens, counts)

	persist := func(snapshot types.Token) {
		if err := m.cfg.Store.SaveToken(ctx, collectionID, &snapshot); err != nil {
			logging.FromContext(ctx).WithError(err).
				WithField("tokenId", snapshot.TokenID).Error("Failed to persist token snapshot")
		}
	}

	for _, token := range pending {
		machine, ok := m.suspended[token.TokenID]
		if !ok {
			// resumed run: the machine was lost with the previous process
			machine = NewTokenMachine(TokenMachineConfig{
				Token:    token,
				ChainID:  collection.ChainID,
				Address:  collection.Address,
				Contract: m.cfg.Contract,
				Fetcher:  m.cfg.Fetcher,
				Blobs:    m.cfg.Blobs,
			})
		}
		if machine.Step() != types.RefreshAggregate {
			return fmt.Errorf("token %s reached aggregation at step %q", token.TokenID, machine.Step())
		}
		if err := machine.Resume(rarities[token.TokenID], persist); err != nil {
			return err
		}
		delete(m.suspended, token.TokenID)
	}

	if err := m.cfg.Store.SaveAttributes(ctx, collectionID, counts); err != nil {
		return fmt.Errorf("failed to persist trait aggregates: %w", err)
	}

	collection.Attributes = counts
	collection.State.Create.Step = types.StepComplete
	return nil
}
