package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/collection-scanner/internal/circuitbreaker"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// ResponseCache caches fetched payloads keyed by URI. Implemented by the
// Redis cache in storage; a nil cache disables caching.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (body []byte, contentType string, ok bool)
	SetResponse(ctx context.Context, key string, body []byte, contentType string)
}

// MetadataFetcher fetches token metadata and images over http(s) and an IPFS
// gateway, with content-type sniffing, an optional response cache and a
// per-host circuit breaker. Most tokens of a collection share one host, so a
// dead host trips its breaker once instead of timing out per token.
type MetadataFetcher struct {
	client      *http.Client
	ipfsGateway string
	cache       ResponseCache
	breakers    *circuitbreaker.Set
}

// MetadataFetcherConfig configures a MetadataFetcher
type MetadataFetcherConfig struct {
	Timeout     time.Duration // default 15s
	IPFSGateway string        // e.g. "https://ipfs.io/ipfs/"
	Cache       ResponseCache // optional
}

// NewMetadataFetcher creates a metadata/image fetcher
func NewMetadataFetcher(cfg MetadataFetcherConfig) *MetadataFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	gateway := cfg.IPFSGateway
	if gateway == "" {
		gateway = "https://ipfs.io/ipfs/"
	}
	return &MetadataFetcher{
		client:      &http.Client{Timeout: timeout},
		ipfsGateway: gateway,
		cache:       cfg.Cache,
		breakers:    circuitbreaker.NewSet(circuitbreaker.DefaultConfig()),
	}
}

// ResolveURI rewrites ipfs:// URIs to the configured gateway
func (f *MetadataFetcher) ResolveURI(uri string) string {
	if strings.HasPrefix(uri, "ipfs://") {
		return f.ipfsGateway + strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
	}
	return uri
}

// Fetch GETs the URI and returns the body and content type. Requires HTTP
// 200; other statuses return an error whose text carries the status so the
// caller's retry classification can distinguish transient from fatal.
func (f *MetadataFetcher) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	resolved := f.ResolveURI(uri)
	parsed, err := url.ParseRequestURI(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	if f.cache != nil {
		if body, contentType, ok := f.cache.GetResponse(ctx, resolved); ok {
			return body, contentType, nil
		}
	}

	breaker := f.breakers.For(parsed.Host)
	if err := breaker.Allow(); err != nil {
		return nil, "", fmt.Errorf("%w: host %s", err, parsed.Host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		breaker.Record(err)
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http status %d %s fetching %s",
			resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)), resolved)
		// only server-side failures count against the host
		if resp.StatusCode >= http.StatusInternalServerError {
			breaker.Record(err)
		}
		return nil, "", err
	}
	breaker.Record(nil)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	// strip parameters like "; charset=utf-8"
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	if f.cache != nil {
		f.cache.SetResponse(ctx, resolved, body, contentType)
	}

	return body, contentType, nil
}

// FetchJSON fetches the URI and unmarshals the body into v
func (f *MetadataFetcher) FetchJSON(ctx context.Context, uri string, v interface{}) error {
	body, _, err := f.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse json from %s: %w", uri, err)
	}
	return nil
}

// CollectionMetadataClient fetches collection-level name/description/links
// from the external metadata provider.
type CollectionMetadataClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewCollectionMetadataClient creates a client for the metadata provider.
// An empty baseURL yields a client that returns empty metadata.
func NewCollectionMetadataClient(baseURL, apiKey string, timeout time.Duration) *CollectionMetadataClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &CollectionMetadataClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// collectionMetadataResponse mirrors the provider's payload shape
type collectionMetadataResponse struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Symbol       string `json:"symbol"`
	ImageURL     string `json:"image_url"`
	BannerURL    string `json:"banner_image_url"`
	ExternalURL  string `json:"external_url"`
	DiscordURL   string `json:"discord_url"`
	TwitterURL   string `json:"twitter_username"`
	InstagramURL string `json:"instagram_username"`
}

// GetCollectionMetadata fetches descriptive metadata for a contract
func (c *CollectionMetadataClient) GetCollectionMetadata(ctx context.Context, chainID types.ChainID, address string) (types.CollectionMetadata, error) {
	if c.baseURL == "" {
		logging.FromContext(ctx).Debug("No metadata provider configured, skipping collection metadata")
		return types.CollectionMetadata{}, nil
	}

	endpoint := fmt.Sprintf("%s/collections/%s/%s", c.baseURL, chainID, types.NormalizeAddress(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.CollectionMetadata{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.CollectionMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.CollectionMetadata{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return types.CollectionMetadata{}, fmt.Errorf("metadata provider returned status %d %s",
			resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)))
	}

	var payload collectionMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return types.CollectionMetadata{}, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	links := make(map[string]string)
	if payload.ExternalURL != "" {
		links["external"] = payload.ExternalURL
	}
	if payload.DiscordURL != "" {
		links["discord"] = payload.DiscordURL
	}
	if payload.TwitterURL != "" {
		links["twitter"] = payload.TwitterURL
	}
	if payload.InstagramURL != "" {
		links["instagram"] = payload.InstagramURL
	}
	if len(links) == 0 {
		links = nil
	}

	return types.CollectionMetadata{
		Name:         payload.Name,
		Description:  payload.Description,
		Symbol:       payload.Symbol,
		ProfileImage: payload.ImageURL,
		BannerImage:  payload.BannerURL,
		Links:        links,
	}, nil
}
