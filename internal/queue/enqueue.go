// Package queue implements the collection queue: enqueue decisions, worker
// claim loops and the stale-claim monitor. Queue membership lives on the
// collection document itself; there is no separate queue table.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// Store is the collection persistence surface the queue needs. Satisfied by
// storage.CollectionRepository; tests use an in-memory implementation.
type Store interface {
	Get(ctx context.Context, chainID types.ChainID, address string) (*types.Collection, error)
	GetByID(ctx context.Context, id string) (*types.Collection, error)
	Save(ctx context.Context, collection *types.Collection) error
	OldestUnclaimed(ctx context.Context) (*types.Collection, error)
	Claim(ctx context.Context, id, runID string) (*types.Collection, bool, error)
	Release(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
	StaleClaimIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	Watch(ctx context.Context, interval time.Duration) <-chan *types.Collection
}

// Decision is the outcome of an enqueue request, for logging and API replies
type Decision string

const (
	// DecisionAlreadyComplete means the collection is fully indexed
	DecisionAlreadyComplete Decision = "already-complete"
	// DecisionInProgress means an active worker holds a live claim
	DecisionInProgress Decision = "in-progress"
	// DecisionRequeued means a stuck or errored claim was returned to the queue
	DecisionRequeued Decision = "requeued"
	// DecisionAlreadyQueued means the collection is waiting unclaimed
	DecisionAlreadyQueued Decision = "already-queued"
	// DecisionEnqueued means the collection joined the queue
	DecisionEnqueued Decision = "enqueued"
)

// Enqueuer applies the enqueue decision table to collection documents
type Enqueuer struct {
	collections Store
	claimMaxAge time.Duration
	gracePeriod time.Duration
}

// NewEnqueuer creates an enqueuer. claimMaxAge bounds how long a claim is
// trusted; gracePeriod is how long a fresh claim may run without visible
// progress before an enqueue request treats it as stuck.
func NewEnqueuer(collections Store, claimMaxAge, gracePeriod time.Duration) *Enqueuer {
	return &Enqueuer{
		collections: collections,
		claimMaxAge: claimMaxAge,
		gracePeriod: gracePeriod,
	}
}

// EnqueueRequest describes one collection to enqueue
type EnqueueRequest struct {
	ChainID        types.ChainID
	Address        string
	IndexInitiator string
	HasBlueCheck   bool
	// Step optionally forces the step a (re-)enqueued collection resumes
	// from, e.g. to redo mint pagination from scratch. Empty preserves the
	// persisted step. Ignored when the decision is a no-op.
	Step types.CreationStep
}

// Enqueue decides what to do with an index request for one collection. The
// cases are evaluated strictly in order:
//
//  1. already complete: nothing to do
//  2. actively claimed and healthy: leave the worker alone
//  3. claimed but stuck or errored: take the claim away and requeue
//  4. already waiting unclaimed: keep its queue position
//  5. otherwise: enqueue fresh from the first step
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (Decision, error) {
	if !types.IsValidAddress(req.Address) {
		return "", fmt.Errorf("invalid contract address: %q", req.Address)
	}
	if req.Step != "" && req.Step.Index() < 0 {
		return "", fmt.Errorf("invalid creation step: %q", req.Step)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chainId": req.ChainID,
		"address": types.NormalizeAddress(req.Address),
	})

	collection, err := e.collections.Get(ctx, req.ChainID, req.Address)
	if err != nil {
		return "", err
	}
	if collection == nil {
		collection = &types.Collection{
			ChainID:       req.ChainID,
			Address:       types.NormalizeAddress(req.Address),
			TokenStandard: types.StandardERC721,
			State: types.CollectionState{
				Version: types.CollectionSchemaVersion,
			},
		}
	}
	if req.IndexInitiator != "" {
		collection.IndexInitiator = req.IndexInitiator
	}
	if req.HasBlueCheck {
		collection.HasBlueCheck = true
	}

	now := time.Now().UnixMilli()
	create := &collection.State.Create
	qstate := &collection.State.Queue

	switch {
	case create.Step == types.StepComplete:
		logger.Debug("Enqueue skipped: collection already complete")
		return DecisionAlreadyComplete, nil

	case qstate.ClaimedAt != 0 && e.claimIsActive(qstate, create, now):
		logger.Debug("Enqueue skipped: collection claimed by an active worker")
		return DecisionInProgress, nil

	case qstate.ClaimedAt != 0:
		// stuck or errored claim: evict the holder and requeue at the back
		qstate.ClaimedAt = 0
		qstate.ClaimedBy = ""
		qstate.EnqueuedAt = now
		if req.Step != "" {
			create.Step = req.Step
		}
		if err := e.collections.Save(ctx, collection); err != nil {
			return "", err
		}
		logger.WithField("error", create.Error).Info("Requeued collection with a dead claim")
		return DecisionRequeued, nil

	case qstate.EnqueuedAt != 0:
		logger.Debug("Enqueue skipped: collection already queued")
		return DecisionAlreadyQueued, nil

	default:
		if req.Step != "" {
			create.Step = req.Step
		} else if create.Step == types.StepUnknown {
			create.Step = types.StepCollectionCreator
		}
		qstate.EnqueuedAt = now
		if err := e.collections.Save(ctx, collection); err != nil {
			return "", err
		}
		logger.WithField("step", string(create.Step)).Info("Enqueued collection")
		return DecisionEnqueued, nil
	}
}

// claimIsActive reports whether a claim should be trusted: young enough, not
// errored, and either past the first pipeline step or still inside the grace
// period. Step position is the progress signal, not document freshness: a run
// resuming at a later step persists nothing until that step completes, so a
// stale updatedAt does not mean the holder is dead.
func (e *Enqueuer) claimIsActive(qstate *types.QueueState, create *types.CreateState, now int64) bool {
	claimAge := time.Duration(now-qstate.ClaimedAt) * time.Millisecond
	if claimAge >= e.claimMaxAge {
		return false
	}
	if create.Error != "" {
		return false
	}
	advanced := create.Step.After(types.StepCollectionCreator)
	return advanced || claimAge < e.gracePeriod
}
