package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/retry"
	"github.com/collection-scanner/internal/types"
)

// TransferEvent is one decoded token transfer
type TransferEvent struct {
	From    string
	To      string
	TokenID string
}

// ContractAdapter is the standard-specific decode/encode surface layered over
// the log paginator. One concrete variant exists per token standard; callers
// obtain one through NewContractAdapter.
type ContractAdapter interface {
	// Standard returns the token standard this adapter implements
	Standard() types.TokenStandard
	// Address returns the normalized contract address
	Address() string
	// DecodeDeployer extracts the deployer from the contract creation event
	DecodeDeployer(log ethtypes.Log) (string, error)
	// DecodeTransfer decodes a transfer log; fails with ErrDecode if any of
	// from/to/tokenId is absent
	DecodeTransfer(log ethtypes.Log) (TransferEvent, error)
	// ContractCreationLog finds the first ownership transfer from the null
	// address; fails with ErrNotFound if none exists
	ContractCreationLog(ctx context.Context) (ethtypes.Log, error)
	// Owner returns the current owner, or "" if the contract has no owner
	// concept (call reverted)
	Owner(ctx context.Context) (string, error)
	// TokenURI resolves the metadata URI for a token id
	TokenURI(ctx context.Context, tokenID string) (string, error)
	// MintQuery returns the range-query thunk matching mint transfers
	MintQuery() RangeQuery
	// AggregateTraits counts (trait type, value) pairs across tokens
	AggregateTraits(tokens []*types.Token) types.TraitCounts
}

const erc721ABIJSON = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
  {"type":"function","name":"baseURI","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"type":"uint256"}],"outputs":[{"type":"string"}]},
  {"type":"event","name":"Transfer","inputs":[{"type":"address","indexed":true,"name":"from"},{"type":"address","indexed":true,"name":"to"},{"type":"uint256","indexed":true,"name":"tokenId"}]},
  {"type":"event","name":"OwnershipTransferred","inputs":[{"type":"address","indexed":true,"name":"previousOwner"},{"type":"address","indexed":true,"name":"newOwner"}]}
]`

var (
	erc721ABI       abi.ABI
	transferTopic   common.Hash
	ownershipTopic  common.Hash
	parseERC721Once sync.Once
)

func mustERC721ABI() abi.ABI {
	parseERC721Once.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(erc721ABIJSON))
		if err != nil {
			panic(fmt.Sprintf("invalid embedded ERC721 ABI: %v", err))
		}
		erc721ABI = parsed
		transferTopic = parsed.Events["Transfer"].ID
		ownershipTopic = parsed.Events["OwnershipTransferred"].ID
	})
	return erc721ABI
}

// erc721Adapter is the ERC-721 contract adapter
type erc721Adapter struct {
	provider  *Provider
	paginator *Paginator
	address   common.Address
	abi       abi.ABI

	mu sync.Mutex
	// baseURISupported caches whether baseURI() works: nil = unknown
	baseURISupported *bool
	baseURI          string
}

// NewContractAdapter returns the adapter variant for the given token standard
func NewContractAdapter(standard types.TokenStandard, provider *Provider, address string) (ContractAdapter, error) {
	switch standard {
	case types.StandardERC721:
		return &erc721Adapter{
			provider:  provider,
			paginator: NewPaginator(provider),
			address:   common.HexToAddress(address),
			abi:       mustERC721ABI(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported token standard: %s", standard)
	}
}

func (a *erc721Adapter) Standard() types.TokenStandard {
	return types.StandardERC721
}

func (a *erc721Adapter) Address() string {
	return types.NormalizeAddress(a.address.Hex())
}

func (a *erc721Adapter) DecodeDeployer(log ethtypes.Log) (string, error) {
	if len(log.Topics) < 3 {
		return "", fmt.Errorf("%w: ownership transfer log has %d topics", errors.ErrDecode, len(log.Topics))
	}
	return types.NormalizeAddress(common.HexToAddress(log.Topics[2].Hex()).Hex()), nil
}

func (a *erc721Adapter) DecodeTransfer(log ethtypes.Log) (TransferEvent, error) {
	if len(log.Topics) < 4 {
		return TransferEvent{}, fmt.Errorf("%w: transfer log has %d topics, want 4", errors.ErrDecode, len(log.Topics))
	}
	return TransferEvent{
		From:    types.NormalizeAddress(common.HexToAddress(log.Topics[1].Hex()).Hex()),
		To:      types.NormalizeAddress(common.HexToAddress(log.Topics[2].Hex()).Hex()),
		TokenID: log.Topics[3].Big().String(),
	}, nil
}

func (a *erc721Adapter) ContractCreationLog(ctx context.Context) (ethtypes.Log, error) {
	nullTopic := common.HexToHash(types.NullAddress)
	query := func(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) {
		return a.provider.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{a.address},
			Topics:    [][]common.Hash{{ownershipTopic}, {nullTopic}},
		})
	}

	var creation *ethtypes.Log
	errStop := fmt.Errorf("stop")
	err := a.paginator.Paginate(ctx, PaginateOptions{}, query, func(c Chunk) error {
		if len(c.Events) > 0 {
			creation = &c.Events[0]
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return ethtypes.Log{}, err
	}
	if creation == nil {
		return ethtypes.Log{}, fmt.Errorf("%w: no ownership transfer from null address for %s", errors.ErrNotFound, a.Address())
	}
	return *creation, nil
}

// Owner calls owner() on the contract. A reverted call means the contract
// has no owner concept and yields "" so the caller falls back to the deployer.
func (a *erc721Adapter) Owner(ctx context.Context) (string, error) {
	var owner string
	cfg := retry.FixedConfig(3, time.Second)
	cfg.Retryable = errors.IsTransient

	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		data, err := a.call(ctx, "owner")
		if err != nil {
			if isRevert(err) {
				owner = ""
				return nil
			}
			return err
		}
		out, err := a.abi.Unpack("owner", data)
		if err != nil || len(out) != 1 {
			return fmt.Errorf("%w: owner() returned malformed data", errors.ErrDecode)
		}
		addr, ok := out[0].(common.Address)
		if !ok {
			return fmt.Errorf("%w: owner() returned non-address", errors.ErrDecode)
		}
		owner = types.NormalizeAddress(addr.Hex())
		return nil
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}

// TokenURI tries the base-URI-plus-id scheme first, caching whether the
// contract supports baseURI after the first attempt, then falls back to a
// direct tokenURI call. Fails with ErrURIUnavailable if both fail.
func (a *erc721Adapter) TokenURI(ctx context.Context, tokenID string) (string, error) {
	logger := logging.FromContext(ctx)

	if uri, ok := a.tokenURIFromBase(ctx, tokenID); ok {
		return uri, nil
	}

	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("%w: bad token id %q", errors.ErrDecode, tokenID)
	}
	data, err := a.call(ctx, "tokenURI", id)
	if err != nil {
		logger.WithError(err).Debug("tokenURI call failed")
		return "", fmt.Errorf("%w: token %s", errors.ErrURIUnavailable, tokenID)
	}
	out, err := a.abi.Unpack("tokenURI", data)
	if err != nil || len(out) != 1 {
		return "", fmt.Errorf("%w: token %s", errors.ErrURIUnavailable, tokenID)
	}
	uri, ok := out[0].(string)
	if !ok || uri == "" {
		return "", fmt.Errorf("%w: token %s", errors.ErrURIUnavailable, tokenID)
	}
	return uri, nil
}

// tokenURIFromBase resolves baseURI()+id, remembering whether the scheme works
func (a *erc721Adapter) tokenURIFromBase(ctx context.Context, tokenID string) (string, bool) {
	a.mu.Lock()
	supported := a.baseURISupported
	base := a.baseURI
	a.mu.Unlock()

	if supported != nil {
		if !*supported {
			return "", false
		}
		return base + tokenID, true
	}

	ok := false
	data, err := a.call(ctx, "baseURI")
	if err == nil {
		if out, uerr := a.abi.Unpack("baseURI", data); uerr == nil && len(out) == 1 {
			if s, sok := out[0].(string); sok && s != "" {
				base = s
				ok = true
			}
		}
	}

	a.mu.Lock()
	a.baseURISupported = &ok
	a.baseURI = base
	a.mu.Unlock()

	if !ok {
		return "", false
	}
	return base + tokenID, true
}

func (a *erc721Adapter) MintQuery() RangeQuery {
	nullTopic := common.HexToHash(types.NullAddress)
	return func(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) {
		return a.provider.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{a.address},
			Topics:    [][]common.Hash{{transferTopic}, {nullTopic}},
		})
	}
}

// AggregateTraits increments a count keyed by (trait type, value) for every
// attribute of every token. The trait type defaults to the value itself when
// absent. Accumulation is commutative, so token order does not matter.
func (a *erc721Adapter) AggregateTraits(tokens []*types.Token) types.TraitCounts {
	counts := make(types.TraitCounts)
	for _, token := range tokens {
		for _, attr := range token.Metadata.Attributes {
			value := AttributeValueString(attr.Value)
			traitType := attr.TraitType
			if traitType == "" {
				traitType = value
			}
			if counts[traitType] == nil {
				counts[traitType] = make(map[string]int)
			}
			counts[traitType][value]++
		}
	}
	return counts
}

func (a *erc721Adapter) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	input, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", errors.ErrDecode, method, err)
	}
	return a.provider.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: input}, nil)
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}

// TransferEventTopic returns the topic hash of the ERC-721 Transfer event
func TransferEventTopic() common.Hash {
	mustERC721ABI()
	return transferTopic
}

// AttributeValueString renders an attribute value the way it should be
// counted: integral floats without a fractional part, everything else via
// its default formatting.
func AttributeValueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
