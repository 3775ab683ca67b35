// Package adapter provides on-chain access: the RPC provider pool, the log
// paginator, and the standard-specific contract adapters.
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/types"
)

// ChainClient is the subset of ethclient.Client the scanner uses.
// *ethclient.Client satisfies it; tests substitute fakes.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Provider is a handle on one RPC endpoint. Every call waits on the
// endpoint's rate limiter before hitting the network.
type Provider struct {
	url     string
	client  ChainClient
	limiter *rate.Limiter
}

// NewProvider wraps a client in a Provider handle. A nil limiter disables
// rate limiting; used directly by tests.
func NewProvider(url string, client ChainClient, limiter *rate.Limiter) *Provider {
	return &Provider{url: url, client: client, limiter: limiter}
}

// URL returns the endpoint URL backing this provider
func (p *Provider) URL() string {
	return p.url
}

func (p *Provider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// BlockNumber returns the current chain head
func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	return p.client.BlockNumber(ctx)
}

// FilterLogs queries logs matching q
func (p *Provider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.client.FilterLogs(ctx, q)
}

// HeaderByNumber returns the header for the given block number
func (p *Provider) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.client.HeaderByNumber(ctx, number)
}

// TransactionByHash returns the transaction with the given hash
func (p *Provider) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	if err := p.wait(ctx); err != nil {
		return nil, false, err
	}
	return p.client.TransactionByHash(ctx, hash)
}

// TransactionReceipt returns the receipt for the given transaction hash
func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.client.TransactionReceipt(ctx, hash)
}

// CallContract executes a read-only contract call
func (p *Provider) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.client.CallContract(ctx, msg, blockNumber)
}

// endpoint is one configured RPC URL, dialed lazily on first use
type endpoint struct {
	url     string
	limiter *rate.Limiter

	mu     sync.Mutex
	client ChainClient
}

func (e *endpoint) provider() (*Provider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		client, err := ethclient.Dial(e.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
		}
		e.client = client
	}
	return NewProvider(e.url, e.client, e.limiter), nil
}

// ProviderPool holds pools of RPC endpoints per chain id and hands out one
// endpoint picked uniformly at random per call. It holds no per-call state
// and is safe for concurrent use.
type ProviderPool struct {
	endpoints map[types.ChainID][]*endpoint
}

// PoolEndpoints configures the endpoints for one chain
type PoolEndpoints struct {
	ChainID types.ChainID
	URLs    []string
	// RequestsPerSecond caps calls per endpoint; 0 disables the limiter
	RequestsPerSecond int
}

// NewProviderPool creates a provider pool from per-chain endpoint lists
func NewProviderPool(chains []PoolEndpoints) (*ProviderPool, error) {
	pool := &ProviderPool{endpoints: make(map[types.ChainID][]*endpoint)}
	for _, chain := range chains {
		if len(chain.URLs) == 0 {
			continue
		}
		var limiter *rate.Limiter
		eps := make([]*endpoint, 0, len(chain.URLs))
		for _, url := range chain.URLs {
			if chain.RequestsPerSecond > 0 {
				limiter = rate.NewLimiter(rate.Limit(chain.RequestsPerSecond), chain.RequestsPerSecond)
			}
			eps = append(eps, &endpoint{url: url, limiter: limiter})
		}
		pool.endpoints[chain.ChainID] = eps
	}
	if len(pool.endpoints) == 0 {
		return nil, fmt.Errorf("at least one chain with RPC endpoints is required")
	}
	return pool, nil
}

// GetProvider returns a provider for the chain, picking an endpoint uniformly
// at random. Fails with ErrUnsupportedChain if the chain has no endpoints.
func (p *ProviderPool) GetProvider(chainID types.ChainID) (*Provider, error) {
	eps, ok := p.endpoints[chainID]
	if !ok || len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedChain, chainID)
	}
	return eps[rand.Intn(len(eps))].provider()
}

// Chains returns the chain ids with configured endpoints
func (p *ProviderPool) Chains() []types.ChainID {
	chains := make([]types.ChainID, 0, len(p.endpoints))
	for id := range p.endpoints {
		chains = append(chains, id)
	}
	return chains
}
