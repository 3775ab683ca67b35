package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/types"
)

const testContract = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"

// fakeContract is a ContractAdapter with pluggable behavior for tests
type fakeContract struct {
	address     string
	deployer    string
	owner       string
	ownerErr    error
	creation    ethtypes.Log
	creationErr error
	tokenURI    func(tokenID string) (string, error)
	mintQuery   adapter.RangeQuery
}

func (f *fakeContract) Standard() types.TokenStandard { return types.StandardERC721 }
func (f *fakeContract) Address() string               { return types.NormalizeAddress(f.address) }

func (f *fakeContract) DecodeDeployer(log ethtypes.Log) (string, error) {
	return f.deployer, nil
}

func (f *fakeContract) DecodeTransfer(log ethtypes.Log) (adapter.TransferEvent, error) {
	if len(log.Topics) < 4 {
		return adapter.TransferEvent{}, fmt.Errorf("%w: transfer log has %d topics", errors.ErrDecode, len(log.Topics))
	}
	return adapter.TransferEvent{
		From:    types.NormalizeAddress("0x" + log.Topics[1].Hex()[26:]),
		To:      types.NormalizeAddress("0x" + log.Topics[2].Hex()[26:]),
		TokenID: log.Topics[3].Big().String(),
	}, nil
}

func (f *fakeContract) ContractCreationLog(ctx context.Context) (ethtypes.Log, error) {
	return f.creation, f.creationErr
}

func (f *fakeContract) Owner(ctx context.Context) (string, error) {
	return f.owner, f.ownerErr
}

func (f *fakeContract) TokenURI(ctx context.Context, tokenID string) (string, error) {
	if f.tokenURI == nil {
		return "", fmt.Errorf("%w: token %s", errors.ErrURIUnavailable, tokenID)
	}
	return f.tokenURI(tokenID)
}

func (f *fakeContract) MintQuery() adapter.RangeQuery {
	if f.mintQuery != nil {
		return f.mintQuery
	}
	return func(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) { return nil, nil }
}

func (f *fakeContract) AggregateTraits(tokens []*types.Token) types.TraitCounts {
	counts := make(types.TraitCounts)
	for _, token := range tokens {
		for _, attr := range token.Metadata.Attributes {
			value := adapter.AttributeValueString(attr.Value)
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

// newMetadataServer serves token metadata under /meta/{id} and images under
// /img/{id}. failMetadataFor returns 404 for the named ids.
func newMetadataServer(t *testing.T, failMetadataFor ...string) *httptest.Server {
	t.Helper()
	failing := make(map[string]bool, len(failMetadataFor))
	for _, id := range failMetadataFor {
		failing[id] = true
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/meta/"):
			id := strings.TrimPrefix(r.URL.Path, "/meta/")
			if failing[id] {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{
				"name": "Token #%s",
				"image": "%s/img/%s",
				"attributes": [
					{"trait_type": "Color", "value": "Red"},
					{"trait_type": "Index", "value": %s}
				]
			}`, id, srv.URL, id, id)
		case strings.HasPrefix(r.URL.Path, "/img/"):
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes-" + strings.TrimPrefix(r.URL.Path, "/img/")))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func uriByID(srv *httptest.Server) func(string) (string, error) {
	return func(tokenID string) (string, error) {
		return srv.URL + "/meta/" + tokenID, nil
	}
}

// errBlobStore fails every upload
type errBlobStore struct{}

func (errBlobStore) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}

func (errBlobStore) Exists(ctx context.Context, path string) (bool, error) { return false, nil }

func newTokenMachineForTest(t *testing.T, token *types.Token, contract adapter.ContractAdapter, blobs adapter.BlobStore) *TokenMachine {
	t.Helper()
	return NewTokenMachine(TokenMachineConfig{
		Token:    token,
		ChainID:  types.ChainEthereum,
		Address:  testContract,
		Contract: contract,
		Fetcher:  adapter.NewMetadataFetcher(adapter.MetadataFetcherConfig{}),
		Blobs:    blobs,
	})
}

func TestTokenMachineAdvance(t *testing.T) {
	srv := newMetadataServer(t)
	contract := &fakeContract{address: testContract, tokenURI: uriByID(srv)}
	blobs := adapter.NewMemBlobStore("https://cdn.example")

	token := &types.Token{
		TokenID: "7",
		State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshMint}},
	}
	machine := newTokenMachineForTest(t, token, contract, blobs)

	var snapshots []types.Token
	suspended, err := machine.Advance(context.Background(), func(s types.Token) {
		snapshots = append(snapshots, s)
	})
	require.NoError(t, err)
	assert.True(t, suspended, "token must park at the aggregation barrier")

	got := machine.Token()
	assert.Equal(t, srv.URL+"/meta/7", got.TokenURI)
	assert.Equal(t, "Token #7", got.Metadata.Name)
	assert.Equal(t, 2, got.NumTraitTypes)
	assert.Equal(t, types.RefreshAggregate, got.State.Metadata.Step)
	assert.Empty(t, got.State.Metadata.Error)

	assert.NotEmpty(t, got.Image.URL)
	assert.Equal(t, srv.URL+"/img/7", got.Image.OriginalURL)
	assert.Equal(t, "image/png", got.Image.ContentType)
	assert.Equal(t, 1, blobs.Len())

	// one snapshot per completed step: uri, metadata, image
	require.Len(t, snapshots, 3)
	assert.Equal(t, types.RefreshMetadata, snapshots[0].State.Metadata.Step)
	assert.Equal(t, types.RefreshImage, snapshots[1].State.Metadata.Step)
	assert.Equal(t, types.RefreshAggregate, snapshots[2].State.Metadata.Step)
}

func TestTokenMachineResumesFromPersistedStep(t *testing.T) {
	srv := newMetadataServer(t)
	contract := &fakeContract{address: testContract, tokenURI: uriByID(srv)}
	blobs := adapter.NewMemBlobStore("https://cdn.example")

	t.Run("metadata step skips the uri call", func(t *testing.T) {
		uriCalls := 0
		counting := &fakeContract{address: testContract, tokenURI: func(id string) (string, error) {
			uriCalls++
			return srv.URL + "/meta/" + id, nil
		}}
		token := &types.Token{
			TokenID:  "7",
			TokenURI: srv.URL + "/meta/7",
			State:    types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshMetadata}},
		}
		machine := newTokenMachineForTest(t, token, counting, blobs)

		suspended, err := machine.Advance(context.Background(), func(types.Token) {})
		require.NoError(t, err)
		assert.True(t, suspended)
		assert.Zero(t, uriCalls)
	})

	t.Run("reset forces a restart at uri", func(t *testing.T) {
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshImage}},
		}
		NewTokenMachine(TokenMachineConfig{
			Token:    token,
			ChainID:  types.ChainEthereum,
			Address:  testContract,
			Contract: contract,
			Fetcher:  adapter.NewMetadataFetcher(adapter.MetadataFetcherConfig{}),
			Blobs:    blobs,
			Reset:    true,
		})
		assert.Equal(t, types.RefreshURI, token.State.Metadata.Step)
	})

	t.Run("unrecognized step restarts at uri", func(t *testing.T) {
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: "garbage"}},
		}
		newTokenMachineForTest(t, token, contract, blobs)
		assert.Equal(t, types.RefreshURI, token.State.Metadata.Step)
	})
}

func TestTokenMachineFailures(t *testing.T) {
	srv := newMetadataServer(t, "13")
	blobs := adapter.NewMemBlobStore("https://cdn.example")

	t.Run("uri failure stays at the uri step", func(t *testing.T) {
		contract := &fakeContract{address: testContract}
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshURI}},
		}
		machine := newTokenMachineForTest(t, token, contract, blobs)

		_, err := machine.Advance(context.Background(), func(types.Token) {})
		require.Error(t, err)
		assert.Equal(t, types.RefreshURI, token.State.Metadata.Step)
		assert.Contains(t, token.State.Metadata.Error, string(types.RefreshURI)+":")
	})

	t.Run("metadata failure keeps the metadata step for retry", func(t *testing.T) {
		contract := &fakeContract{address: testContract, tokenURI: uriByID(srv)}
		token := &types.Token{
			TokenID: "13",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshURI}},
		}
		machine := newTokenMachineForTest(t, token, contract, blobs)

		_, err := machine.Advance(context.Background(), func(types.Token) {})
		require.Error(t, err)
		assert.Equal(t, types.RefreshMetadata, token.State.Metadata.Step)
		assert.NotEmpty(t, token.TokenURI, "the completed uri step survives the failure")
	})

	t.Run("unrecognized failure resets to uri", func(t *testing.T) {
		contract := &fakeContract{address: testContract, tokenURI: uriByID(srv)}
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshURI}},
		}
		machine := newTokenMachineForTest(t, token, contract, errBlobStore{})

		_, err := machine.Advance(context.Background(), func(types.Token) {})
		require.Error(t, err)
		assert.Equal(t, types.RefreshURI, token.State.Metadata.Step)
		assert.Contains(t, token.State.Metadata.Error, string(types.RefreshImage)+":",
			"the wrapped error names the step that failed")
	})
}

func TestTokenMachineResume(t *testing.T) {
	srv := newMetadataServer(t)
	contract := &fakeContract{address: testContract, tokenURI: uriByID(srv)}
	blobs := adapter.NewMemBlobStore("https://cdn.example")

	suspend := func(t *testing.T) *TokenMachine {
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshURI}},
		}
		machine := newTokenMachineForTest(t, token, contract, blobs)
		suspended, err := machine.Advance(context.Background(), func(types.Token) {})
		require.NoError(t, err)
		require.True(t, suspended)
		return machine
	}

	t.Run("injects rarity and completes", func(t *testing.T) {
		machine := suspend(t)
		var last types.Token
		err := machine.Resume(Rarity{Score: 12.5, Rank: 3}, func(s types.Token) { last = s })
		require.NoError(t, err)

		assert.Equal(t, types.RefreshComplete, last.State.Metadata.Step)
		assert.Equal(t, 12.5, last.RarityScore)
		assert.Equal(t, 3, last.RarityRank)
	})

	t.Run("rejects invalid rarity", func(t *testing.T) {
		machine := suspend(t)
		err := machine.Resume(Rarity{Score: 1, Rank: 0}, func(types.Token) {})
		require.Error(t, err)

		se, ok := errors.AsStepError(err)
		require.True(t, ok)
		assert.Equal(t, string(types.RefreshAggregate), se.Step)
		assert.Equal(t, types.RefreshAggregate, machine.Step(), "the token stays parked for another attempt")
	})

	t.Run("rejects tokens not at the barrier", func(t *testing.T) {
		token := &types.Token{
			TokenID: "7",
			State:   types.TokenState{Metadata: types.TokenMetadataState{Step: types.RefreshURI}},
		}
		machine := newTokenMachineForTest(t, token, contract, blobs)
		assert.Error(t, machine.Resume(Rarity{Score: 1, Rank: 1}, func(types.Token) {}))
	})
}

func TestCountTraitTypes(t *testing.T) {
	attrs := []types.TokenAttribute{
		{TraitType: "Color", Value: "Red"},
		{TraitType: "Color", Value: "Blue"},
		{TraitType: "Size", Value: "Large"},
		{Value: "Special"},
	}
	assert.Equal(t, 3, countTraitTypes(attrs))
	assert.Equal(t, 0, countTraitTypes(nil))
}
