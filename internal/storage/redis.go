package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client, used by tests
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MetadataResponseCache caches fetched metadata and image payloads keyed by
// resolved URI. Collections share token URIs across refresh runs, so a warm
// cache avoids refetching unchanged upstream payloads. Cache failures are
// logged and treated as misses.
type MetadataResponseCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewMetadataResponseCache creates a response cache with the given TTL
func NewMetadataResponseCache(cache *RedisCache, ttl time.Duration) *MetadataResponseCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &MetadataResponseCache{cache: cache, ttl: ttl}
}

func responseKey(key string) string {
	return "meta:body:" + key
}

func contentTypeKey(key string) string {
	return "meta:ct:" + key
}

// GetResponse returns the cached body and content type for a URI, if present
func (c *MetadataResponseCache) GetResponse(ctx context.Context, key string) ([]byte, string, bool) {
	body, err := c.cache.client.Get(ctx, responseKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.FromContext(ctx).WithError(err).Debug("Response cache read failed")
		}
		return nil, "", false
	}
	contentType, err := c.cache.client.Get(ctx, contentTypeKey(key)).Result()
	if err != nil {
		return nil, "", false
	}
	return body, contentType, true
}

// SetResponse stores the body and content type for a URI
func (c *MetadataResponseCache) SetResponse(ctx context.Context, key string, body []byte, contentType string) {
	pipe := c.cache.client.Pipeline()
	pipe.Set(ctx, responseKey(key), body, c.ttl)
	pipe.Set(ctx, contentTypeKey(key), contentType, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Debug("Response cache write failed")
	}
}
