// Package config provides configuration management for the collection scanner.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   ChainsConfig
	Queue    QueueConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL for migrations
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration for the mint event archive
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration for the metadata response cache
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds per-chain provider configuration keyed by chain id
type ChainsConfig struct {
	Enabled []string
	Chains  map[string]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	// Endpoints is the list of RPC URLs the provider pool picks from at random
	Endpoints []string
	// RequestsPerSecond caps calls per endpoint; 0 disables the limiter
	RequestsPerSecond int
}

// QueueConfig holds collection queue configuration
type QueueConfig struct {
	Workers         int
	PollInterval    time.Duration
	ClaimMaxAge     time.Duration // claim younger than this is considered active
	StaleClaimAge   time.Duration // monitor requeues claims older than this
	MonitorInterval time.Duration
	RunMaxAttempts  int           // full pipeline restarts before marking a collection failed
	GracePeriod     time.Duration // time a fresh claim gets before it must show progress
}

// PipelineConfig holds creation pipeline configuration
type PipelineConfig struct {
	TokenConcurrency   int           // concurrent token state machines per collection
	LookupConcurrency  int           // shared gate for block/tx lookups in the mint collector
	ChunkQueueSize     int           // mint collector per-chunk queue bound
	HTTPTimeout        time.Duration // metadata/image fetch timeout
	IPFSGateway        string        // gateway prefix for ipfs:// URIs
	MetadataAPIURL     string        // external collection metadata provider
	MetadataAPIKey     string
	BlobDir            string // filesystem blob store root
	BlobPublicBaseURL  string // public URL prefix for stored blobs
	MetadataCacheTTL   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "collection_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "collection_scanner"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Queue: QueueConfig{
			Workers:         getEnvAsInt("QUEUE_WORKERS", 2),
			PollInterval:    getEnvAsDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			ClaimMaxAge:     getEnvAsDuration("QUEUE_CLAIM_MAX_AGE", 2*time.Hour),
			StaleClaimAge:   getEnvAsDuration("QUEUE_STALE_CLAIM_AGE", 3*time.Hour),
			MonitorInterval: getEnvAsDuration("QUEUE_MONITOR_INTERVAL", 5*time.Minute),
			RunMaxAttempts:  getEnvAsInt("QUEUE_RUN_MAX_ATTEMPTS", 3),
			GracePeriod:     getEnvAsDuration("QUEUE_GRACE_PERIOD", time.Minute),
		},
		Pipeline: PipelineConfig{
			TokenConcurrency:  getEnvAsInt("PIPELINE_TOKEN_CONCURRENCY", 50),
			LookupConcurrency: getEnvAsInt("PIPELINE_LOOKUP_CONCURRENCY", 100),
			ChunkQueueSize:    getEnvAsInt("PIPELINE_CHUNK_QUEUE_SIZE", 100),
			HTTPTimeout:       getEnvAsDuration("PIPELINE_HTTP_TIMEOUT", 15*time.Second),
			IPFSGateway:       getEnv("IPFS_GATEWAY", "https://ipfs.io/ipfs/"),
			MetadataAPIURL:    getEnv("METADATA_API_URL", ""),
			MetadataAPIKey:    getEnv("METADATA_API_KEY", ""),
			BlobDir:           getEnv("BLOB_DIR", "/var/lib/collection-scanner/images"),
			BlobPublicBaseURL: getEnv("BLOB_PUBLIC_BASE_URL", "http://localhost:8080/images"),
			MetadataCacheTTL:  getEnvAsDuration("METADATA_CACHE_TTL", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs()

	return config, nil
}

// loadChainConfigs loads chain-specific configurations.
// Chains are addressed by numeric chain id ("1", "137", ...), and env vars
// are prefixed with CHAIN_<id>, e.g. CHAIN_1_RPC_ENDPOINTS.
func loadChainConfigs() ChainsConfig {
	enabledChains := strings.Split(getEnv("ENABLED_CHAINS", "1"), ",")

	chains := make(map[string]ChainConfig)
	for _, chain := range enabledChains {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}

		prefix := "CHAIN_" + chain
		var endpoints []string
		for _, ep := range strings.Split(getEnv(prefix+"_RPC_ENDPOINTS", ""), ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		chains[chain] = ChainConfig{
			Endpoints:         endpoints,
			RequestsPerSecond: getEnvAsInt(prefix+"_RPS", 0),
		}
	}

	return ChainsConfig{
		Enabled: enabledChains,
		Chains:  chains,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
