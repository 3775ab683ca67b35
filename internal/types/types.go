// Package types provides common type definitions for the collection scanner system.
package types

import (
	"fmt"
	"strings"
)

// ChainID identifies a supported blockchain network by its numeric chain id.
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "1"
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = "137"
	// ChainArbitrum represents the Arbitrum One network
	ChainArbitrum ChainID = "42161"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "10"
	// ChainBase represents the Base network
	ChainBase ChainID = "8453"
)

// TokenStandard identifies the token standard a contract implements
type TokenStandard string

const (
	// StandardERC721 is the ERC-721 non-fungible token standard
	StandardERC721 TokenStandard = "ERC721"
)

// CreationStep represents a stage in the collection creation pipeline.
// Steps are ordered; a collection resumes from its persisted step after a crash.
type CreationStep string

const (
	StepCollectionCreator  CreationStep = "collection-creator"
	StepCollectionMetadata CreationStep = "collection-metadata"
	StepCollectionMints    CreationStep = "collection-mints"
	StepTokenMetadata      CreationStep = "token-metadata"
	StepAggregateMetadata  CreationStep = "aggregate-metadata"
	StepComplete           CreationStep = "complete"
	// StepUnknown marks a collection whose failure point is not trusted.
	// Distinct from every named step; treated as a candidate for full restart.
	StepUnknown CreationStep = ""
)

// creationOrder maps each creation step to its pipeline index
var creationOrder = map[CreationStep]int{
	StepCollectionCreator:  0,
	StepCollectionMetadata: 1,
	StepCollectionMints:    2,
	StepTokenMetadata:      3,
	StepAggregateMetadata:  4,
	StepComplete:           5,
}

// Index returns the pipeline position of the step, or -1 for an unknown step.
func (s CreationStep) Index() int {
	if i, ok := creationOrder[s]; ok {
		return i
	}
	return -1
}

// After reports whether s comes after other in the creation pipeline.
func (s CreationStep) After(other CreationStep) bool {
	return s.Index() > other.Index()
}

// RefreshStep represents a stage in the per-token metadata pipeline.
type RefreshStep string

const (
	RefreshMint      RefreshStep = "mint"
	RefreshURI       RefreshStep = "uri"
	RefreshMetadata  RefreshStep = "metadata"
	RefreshImage     RefreshStep = "image"
	RefreshAggregate RefreshStep = "aggregate"
	RefreshComplete  RefreshStep = "complete"
)

var refreshOrder = map[RefreshStep]int{
	RefreshMint:      0,
	RefreshURI:       1,
	RefreshMetadata:  2,
	RefreshImage:     3,
	RefreshAggregate: 4,
	RefreshComplete:  5,
}

// Index returns the pipeline position of the step, or -1 for an unknown step.
func (s RefreshStep) Index() int {
	if i, ok := refreshOrder[s]; ok {
		return i
	}
	return -1
}

// CollectionSchemaVersion is the current collection document schema version
const CollectionSchemaVersion = 1

// Collection is the document describing one indexed NFT collection.
// There is exactly one per (chain id, contract address) pair.
type Collection struct {
	ChainID         ChainID            `json:"chainId"`
	Address         string             `json:"address"` // normalized lowercase
	Deployer        string             `json:"deployer,omitempty"`
	Owner           string             `json:"owner,omitempty"`
	TokenStandard   TokenStandard      `json:"tokenStandard"`
	Metadata        CollectionMetadata `json:"metadata"`
	NumNFTs         int                `json:"numNfts"`
	Attributes      TraitCounts        `json:"attributes,omitempty"`
	HasBlueCheck    bool               `json:"hasBlueCheck"`
	IndexInitiator  string             `json:"indexInitiator,omitempty"`
	DeployedAt      int64              `json:"deployedAt,omitempty"` // epoch ms
	DeployedAtBlock uint64             `json:"deployedAtBlock,omitempty"`
	State           CollectionState    `json:"state"`
}

// CollectionMetadata holds descriptive fields fetched from the metadata provider
type CollectionMetadata struct {
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Symbol       string            `json:"symbol,omitempty"`
	ProfileImage string            `json:"profileImage,omitempty"`
	BannerImage  string            `json:"bannerImage,omitempty"`
	Links        map[string]string `json:"links,omitempty"`
}

// CollectionState tracks creation progress, queue membership and schema version
type CollectionState struct {
	Create  CreateState `json:"create"`
	Queue   QueueState  `json:"queue"`
	Export  ExportState `json:"export"`
	Version int         `json:"version"`
}

// CreateState records the current pipeline step and the last failure, if any
type CreateState struct {
	Step      CreationStep `json:"step"`
	UpdatedAt int64        `json:"updatedAt"` // epoch ms
	Error     string       `json:"error,omitempty"`
	// Progress is the mint pagination percentage, for status reporting only
	Progress float64 `json:"progress,omitempty"`
	// LastSuccessfulBlock lets CollectionMints resume pagination after a partial run
	LastSuccessfulBlock uint64 `json:"lastSuccessfulBlock,omitempty"`
}

// QueueState records queue membership. ClaimedAt == 0 means unclaimed.
type QueueState struct {
	EnqueuedAt int64 `json:"enqueuedAt"` // epoch ms; FIFO order key
	ClaimedAt  int64 `json:"claimedAt"`  // epoch ms; 0 = unclaimed
	// ClaimedBy is the index-run id of the worker holding the claim
	ClaimedBy string `json:"claimedBy,omitempty"`
}

// ExportState records whether the collection has been exported downstream
type ExportState struct {
	Done bool `json:"done"`
}

// Token is the per-tokenId document nested under a collection.
// It is mutated in place as it advances through the refresh pipeline and
// becomes immutable once its step is RefreshComplete.
type Token struct {
	TokenID       string        `json:"tokenId"`
	Minter        string        `json:"minter,omitempty"`
	MintedAt      int64         `json:"mintedAt,omitempty"` // epoch ms
	MintTxHash    string        `json:"mintTxHash,omitempty"`
	MintPrice     float64       `json:"mintPrice,omitempty"`
	TokenURI      string        `json:"tokenUri,omitempty"`
	Metadata      TokenMetadata `json:"metadata,omitempty"`
	NumTraitTypes int           `json:"numTraitTypes,omitempty"`
	Image         TokenImage    `json:"image,omitempty"`
	RarityScore   float64       `json:"rarityScore,omitempty"`
	RarityRank    int           `json:"rarityRank,omitempty"`
	State         TokenState    `json:"state"`
}

// TokenMetadata is the raw metadata blob fetched from the token URI
type TokenMetadata struct {
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Image       string           `json:"image,omitempty"`
	Attributes  []TokenAttribute `json:"attributes,omitempty"`
}

// TokenAttribute is one trait entry from token metadata
type TokenAttribute struct {
	TraitType string      `json:"trait_type,omitempty"`
	Value     interface{} `json:"value"`
}

// TokenImage holds the stored image location for a token
type TokenImage struct {
	URL         string `json:"url,omitempty"`         // public URL in blob storage
	OriginalURL string `json:"originalUrl,omitempty"` // URL from metadata
	ContentType string `json:"contentType,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"` // epoch ms
}

// TokenState tracks per-token refresh progress
type TokenState struct {
	Metadata TokenMetadataState `json:"metadata"`
}

// TokenMetadataState records the current refresh step and last failure
type TokenMetadataState struct {
	Step  RefreshStep `json:"step"`
	Error string      `json:"error,omitempty"`
}

// MintToken is a normalized mint record produced by the mint collector
type MintToken struct {
	ChainID     ChainID `json:"chainId"`
	Address     string  `json:"address"`
	TokenID     string  `json:"tokenId"`
	Minter      string  `json:"minter"`
	MintedAt    int64   `json:"mintedAt"` // epoch ms; 0 if the block lookup failed
	MintTxHash  string  `json:"mintTxHash"`
	MintPrice   float64 `json:"mintPrice"` // native units; 0 if the tx lookup failed
	BlockNumber uint64  `json:"blockNumber"`
}

// TraitCounts maps trait type -> value -> number of tokens carrying that value
type TraitCounts map[string]map[string]int

// BlockRange is the mutable pagination cursor owned by one paginator invocation.
// It is never shared across concurrent calls.
type BlockRange struct {
	MinBlock uint64
	MaxBlock uint64
	From     uint64
	To       uint64
	PageSize uint64
}

// NormalizeAddress lowercases an address for use in document keys
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CollectionDocID builds the document key for a collection: "<chainId>:<address>"
func CollectionDocID(chainID ChainID, address string) string {
	return fmt.Sprintf("%s:%s", chainID, NormalizeAddress(address))
}

// IsValidAddress reports whether s looks like a well-formed EVM account address
func IsValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NullAddress is the zero address; a transfer from it is a mint
const NullAddress = "0x0000000000000000000000000000000000000000"
