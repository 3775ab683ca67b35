package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreationStepOrdering(t *testing.T) {
	ordered := []CreationStep{
		StepCollectionCreator,
		StepCollectionMetadata,
		StepCollectionMints,
		StepTokenMetadata,
		StepAggregateMetadata,
		StepComplete,
	}

	t.Run("indexes are strictly increasing", func(t *testing.T) {
		for i := 1; i < len(ordered); i++ {
			assert.True(t, ordered[i].After(ordered[i-1]),
				"%s should come after %s", ordered[i], ordered[i-1])
		}
	})

	t.Run("unknown step has no position", func(t *testing.T) {
		assert.Equal(t, -1, StepUnknown.Index())
		assert.Equal(t, -1, CreationStep("bogus").Index())
	})

	t.Run("every named step comes after unknown", func(t *testing.T) {
		for _, step := range ordered {
			assert.True(t, step.After(StepUnknown))
		}
	})
}

func TestRefreshStepOrdering(t *testing.T) {
	ordered := []RefreshStep{
		RefreshMint,
		RefreshURI,
		RefreshMetadata,
		RefreshImage,
		RefreshAggregate,
		RefreshComplete,
	}
	for i, step := range ordered {
		assert.Equal(t, i, step.Index())
	}
	assert.Equal(t, -1, RefreshStep("").Index())
}

func TestCollectionDocID(t *testing.T) {
	id := CollectionDocID(ChainEthereum, "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D")
	assert.Equal(t, "1:0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d", id)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabc", NormalizeAddress("  0xABC "))
	// normalization is idempotent
	assert.Equal(t, NormalizeAddress("0xAbC"), NormalizeAddress(NormalizeAddress("0xAbC")))
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		valid   bool
	}{
		{"checksummed address", "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D", true},
		{"lowercase address", "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d", true},
		{"null address", NullAddress, true},
		{"missing prefix", "bc4ca0eda7647a8ab7c2061c2e118a18a936f13d00", false},
		{"too short", "0xbc4ca0", false},
		{"too long", "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d00", false},
		{"non-hex characters", "0xbc4ca0eda7647a8ab7c2061c2e118a18a936fzzz", false},
		{"empty", "", false},
		{"surrounding whitespace", " 0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidAddress(tt.address))
		})
	}
}
