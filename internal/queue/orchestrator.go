package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// CollectionRunner drives one claimed collection through the creation
// pipeline. Implemented by the service layer; the queue only cares whether a
// run finished or failed.
type CollectionRunner interface {
	Run(ctx context.Context, runID string, collection *types.Collection) error
}

// Orchestrator runs the claim workers and the stale-claim monitor. Worker
// loops never terminate on their own; they block on the queue watch until the
// context is cancelled.
type Orchestrator struct {
	cfg         config.QueueConfig
	collections Store
	runner      CollectionRunner

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewOrchestrator creates a queue orchestrator
func NewOrchestrator(cfg config.QueueConfig, collections Store, runner CollectionRunner) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		collections: collections,
		runner:      runner,
	}
}

// Start launches the worker and monitor goroutines
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("queue orchestrator is already running")
	}
	o.running = true
	o.done = make(chan struct{})
	o.mu.Unlock()

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.monitorLoop(ctx)
	}()

	go func() {
		wg.Wait()
		close(o.done)
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	logging.FromContext(ctx).WithField("workers", workers).Info("Queue orchestrator started")
	return nil
}

// Wait blocks until every worker has exited after context cancellation
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// workerLoop claims the queue head and runs it, forever. After finishing a
// collection it immediately polls again instead of waiting for the watch
// tick, so a backlog drains at full speed.
func (o *Orchestrator) workerLoop(ctx context.Context, worker int) {
	logger := logging.FromContext(ctx).WithField("worker", worker)
	ctx = logging.WithLogger(ctx, logger)

	watch := o.collections.Watch(ctx, o.cfg.PollInterval)
	for {
		var head *types.Collection
		select {
		case <-ctx.Done():
			return
		case h, ok := <-watch:
			if !ok {
				return
			}
			head = h
		}

		for head != nil {
			id := types.CollectionDocID(head.ChainID, head.Address)
			runID := uuid.NewString()

			claimed, ok, err := o.collections.Claim(ctx, id, runID)
			if err != nil {
				logger.WithError(err).WithField("collection", id).Error("Claim failed")
				break
			}
			if !ok {
				// another worker won the race; fall back to the watch
				break
			}

			o.runCollection(ctx, runID, claimed)

			// claim the next head straight away while the queue is non-empty
			head, err = o.collections.OldestUnclaimed(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("Failed to poll queue after run")
				break
			}
		}
	}
}

// runCollection executes up to RunMaxAttempts pipeline runs for one claim.
// Success dequeues the collection; exhausting the attempts leaves the error
// recorded and drops both claim and queue membership, so only an explicit
// re-enqueue retries it.
func (o *Orchestrator) runCollection(ctx context.Context, runID string, collection *types.Collection) {
	id := types.CollectionDocID(collection.ChainID, collection.Address)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"collection": id,
		"runId":      runID,
	})

	attempts := o.cfg.RunMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var runErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		runErr = o.runner.Run(ctx, runID, collection)
		if runErr == nil {
			break
		}
		if ctx.Err() != nil {
			logger.Info("Run interrupted by shutdown, releasing claim")
			releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.collections.Release(releaseCtx, id); err != nil {
				logger.WithError(err).Error("Failed to release claim on shutdown")
			}
			return
		}
		logger.WithError(runErr).WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": attempts,
		}).Warn("Collection run failed")

		// re-read the document: the failed run may have advanced some steps
		fresh, err := o.collections.GetByID(ctx, id)
		if err != nil || fresh == nil {
			logger.WithError(err).Error("Failed to reload collection between runs")
			break
		}
		collection = fresh
	}

	collection.State.Queue.EnqueuedAt = 0
	collection.State.Queue.ClaimedAt = 0
	collection.State.Queue.ClaimedBy = ""
	if err := o.collections.Save(ctx, collection); err != nil {
		logger.WithError(err).Error("Failed to dequeue collection")
		return
	}

	if runErr == nil {
		logger.Info("Collection indexed")
	} else {
		logger.WithError(runErr).Error("Collection abandoned after exhausting run attempts")
	}
}

// monitorLoop requeues collections whose claim died with the worker holding it
func (o *Orchestrator) monitorLoop(ctx context.Context) {
	logger := logging.FromContext(ctx)
	interval := o.cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-o.cfg.StaleClaimAge)
		ids, err := o.collections.StaleClaimIDs(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("Stale claim scan failed")
			}
			continue
		}
		for _, id := range ids {
			if err := o.collections.Requeue(ctx, id); err != nil {
				logger.WithError(err).WithField("collection", id).Error("Failed to requeue stale claim")
				continue
			}
			logger.WithField("collection", id).Info("Requeued collection with a stale claim")
		}
	}
}
