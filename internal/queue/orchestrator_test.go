package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/types"
)

// fakeRunner records run invocations and fails on demand
type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	runIDs []string
	err    error
	delay  time.Duration // hold the claim to force worker overlap
}

func (r *fakeRunner) Run(ctx context.Context, runID string, collection *types.Collection) error {
	r.mu.Lock()
	r.calls = append(r.calls, types.CollectionDocID(collection.ChainID, collection.Address))
	r.runIDs = append(r.runIDs, runID)
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) seen() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, id := range r.calls {
		out[id]++
	}
	return out
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Workers:         1,
		PollInterval:    5 * time.Millisecond,
		ClaimMaxAge:     time.Hour,
		StaleClaimAge:   time.Hour,
		MonitorInterval: time.Hour,
		RunMaxAttempts:  3,
		GracePeriod:     time.Minute,
	}
}

func enqueuedDoc(address string) types.Collection {
	doc := types.Collection{
		ChainID:       types.ChainEthereum,
		Address:       address,
		TokenStandard: types.StandardERC721,
	}
	doc.State.Create.Step = types.StepCollectionCreator
	doc.State.Queue.EnqueuedAt = time.Now().UnixMilli()
	return doc
}

func startOrchestrator(t *testing.T, cfg config.QueueConfig, store Store, runner CollectionRunner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	o := NewOrchestrator(cfg, store, runner)
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		cancel()
		o.Wait()
	})
}

func TestOrchestratorRunsQueuedCollection(t *testing.T) {
	store := newMemQueueStore()
	store.put(enqueuedDoc(testAddress))
	runner := &fakeRunner{}

	startOrchestrator(t, testQueueConfig(), store, runner)

	require.Eventually(t, func() bool {
		doc := store.get(t, types.ChainEthereum, testAddress)
		return runner.callCount() == 1 && doc.State.Queue.EnqueuedAt == 0
	}, 2*time.Second, 5*time.Millisecond)

	doc := store.get(t, types.ChainEthereum, testAddress)
	assert.Zero(t, doc.State.Queue.ClaimedAt)
	assert.Empty(t, doc.State.Queue.ClaimedBy)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.NotEmpty(t, runner.runIDs[0], "each run gets a run id")
}

func TestOrchestratorStartIsExclusive(t *testing.T) {
	store := newMemQueueStore()
	o := NewOrchestrator(testQueueConfig(), store, &fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	assert.Error(t, o.Start(ctx), "a running orchestrator refuses a second start")

	cancel()
	o.Wait()
}

func TestOrchestratorExhaustsRunAttempts(t *testing.T) {
	store := newMemQueueStore()
	store.put(enqueuedDoc(testAddress))
	runner := &fakeRunner{err: errors.New("provider down")}

	startOrchestrator(t, testQueueConfig(), store, runner)

	require.Eventually(t, func() bool {
		doc := store.get(t, types.ChainEthereum, testAddress)
		return doc.State.Queue.EnqueuedAt == 0 && doc.State.Queue.ClaimedAt == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, runner.callCount(), "the run is retried up to the attempt budget")

	// the collection left the queue; only an explicit re-enqueue retries it
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, runner.callCount())
}

func TestOrchestratorDrainsBacklog(t *testing.T) {
	store := newMemQueueStore()
	addresses := []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333",
	}
	for _, address := range addresses {
		store.put(enqueuedDoc(address))
	}
	runner := &fakeRunner{}

	startOrchestrator(t, testQueueConfig(), store, runner)

	require.Eventually(t, func() bool {
		return runner.callCount() == len(addresses)
	}, 2*time.Second, 5*time.Millisecond)

	seen := runner.seen()
	for _, address := range addresses {
		assert.Equal(t, 1, seen[types.CollectionDocID(types.ChainEthereum, address)], "each collection ran exactly once")
	}
}

func TestOrchestratorClaimArbitration(t *testing.T) {
	store := newMemQueueStore()
	var addresses []string
	for i := 0; i < 8; i++ {
		address := fmt.Sprintf("0x%040x", i+1)
		addresses = append(addresses, address)
		store.put(enqueuedDoc(address))
	}
	// slow runs keep claims held while every worker races for the backlog
	runner := &fakeRunner{delay: 10 * time.Millisecond}

	cfg := testQueueConfig()
	cfg.Workers = 4
	startOrchestrator(t, cfg, store, runner)

	require.Eventually(t, func() bool {
		return runner.callCount() == len(addresses)
	}, 5*time.Second, 5*time.Millisecond)

	// give racing workers time to double-run anything they wrongly claimed
	time.Sleep(100 * time.Millisecond)
	seen := runner.seen()
	for _, address := range addresses {
		assert.Equal(t, 1, seen[types.CollectionDocID(types.ChainEthereum, address)],
			"exactly one of the racing workers may win each claim")
	}
}

func TestMonitorRequeuesStaleClaims(t *testing.T) {
	store := newMemQueueStore()
	doc := enqueuedDoc(testAddress)
	// the worker holding this claim died two hours ago
	doc.State.Queue.ClaimedAt = time.Now().Add(-2 * time.Hour).UnixMilli()
	doc.State.Queue.ClaimedBy = "dead-run"
	store.put(doc)
	runner := &fakeRunner{}

	cfg := testQueueConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	startOrchestrator(t, cfg, store, runner)

	// the monitor evicts the dead claim, then a worker picks the collection up
	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		fresh := store.get(t, types.ChainEthereum, testAddress)
		return fresh.State.Queue.ClaimedBy != "dead-run" && fresh.State.Queue.ClaimedAt == 0
	}, 2*time.Second, 5*time.Millisecond)
}
