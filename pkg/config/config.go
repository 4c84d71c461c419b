// Package config loads the pipeline services' configuration from
// environment variables, with a .env file picked up in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/configstore"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/resilience"
)

// ChainConfig identifies one EVM chain and its RPC endpoints
type ChainConfig struct {
	Name    string
	ChainID uint64
	// WSURL is the WebSocket endpoint used for subscriptions
	WSURL string
	// HTTPURL is the companion HTTP endpoint used for backfill queries.
	// Optional; backfill is skipped when empty.
	HTTPURL string
}

// IngestorConfig tunes the per-chain ingest workers
type IngestorConfig struct {
	Chains []ChainConfig `mapstructure:"-"`

	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	PublishRetryWindow time.Duration `mapstructure:"publish_retry_window"`
	DegradedBufferSize int           `mapstructure:"degraded_buffer_size"`
	DrainInterval      time.Duration `mapstructure:"drain_interval"`
	BackfillLookback   uint64        `mapstructure:"backfill_lookback"`
	DedupCacheSize     int           `mapstructure:"dedup_cache_size"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
	StreamMaxLen       int64         `mapstructure:"stream_max_len"`
}

// ProcessorConfig tunes the matching workers
type ProcessorConfig struct {
	Workers       int                     `mapstructure:"workers"`
	Group         string                  `mapstructure:"group"`
	BatchSize     int64                   `mapstructure:"batch_size"`
	BlockTimeout  time.Duration           `mapstructure:"block_timeout"`
	ClaimMinIdle  time.Duration           `mapstructure:"claim_min_idle"`
	ClaimInterval time.Duration           `mapstructure:"claim_interval"`
	ShardCount    uint32                  `mapstructure:"shard_count"`
	Cache         configstore.CacheConfig `mapstructure:"cache"`
}

// DeliveryConfig tunes the delivery workers
type DeliveryConfig struct {
	Workers        int           `mapstructure:"workers"`
	Group          string        `mapstructure:"group"`
	BatchSize      int64         `mapstructure:"batch_size"`
	BlockTimeout   time.Duration `mapstructure:"block_timeout"`
	ClaimMinIdle   time.Duration `mapstructure:"claim_min_idle"`
	ClaimInterval  time.Duration `mapstructure:"claim_interval"`
	ShardCount     uint32        `mapstructure:"shard_count"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`

	Breaker resilience.BreakerConfig `mapstructure:"breaker"`
}

// Config is the root configuration shared by the three services
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Bus         bus.Config         `mapstructure:"bus"`
	ConfigStore configstore.Config `mapstructure:"config_store"`
	EventStore  eventstore.Config  `mapstructure:"event_store"`

	Ingestor  IngestorConfig  `mapstructure:"ingestor"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables win over .env entries.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ETHHOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Docker-style names that don't follow the ETHHOOK_ prefix
	_ = v.BindEnv("bus.addresses", "REDIS_URL")
	_ = v.BindEnv("config_store.dsn", "DATABASE_URL")
	_ = v.BindEnv("event_store.url", "CLICKHOUSE_URL")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// viper reads REDIS_URL as a single string; split comma lists
	if len(config.Bus.Addresses) == 1 && strings.Contains(config.Bus.Addresses[0], ",") {
		config.Bus.Addresses = strings.Split(config.Bus.Addresses[0], ",")
	}

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	config.Ingestor.Chains = chains

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadChains parses the CHAINS variable, a comma-separated list of
// name:chain_id pairs (e.g. "ethereum:1,base:8453"). Each named chain
// reads its RPC endpoints from {NAME}_RPC_WS and {NAME}_RPC_HTTP.
func loadChains() ([]ChainConfig, error) {
	spec := os.Getenv("CHAINS")
	if spec == "" {
		spec = "ethereum:1"
	}

	var chains []ChainConfig
	seen := make(map[uint64]string)

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid CHAINS entry %q: want name:chain_id", entry)
		}

		name := strings.ToLower(strings.TrimSpace(parts[0]))
		chainID, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in CHAINS entry %q: %w", entry, err)
		}
		if prev, dup := seen[chainID]; dup {
			return nil, fmt.Errorf("chain id %d configured twice (%s, %s)", chainID, prev, name)
		}
		seen[chainID] = name

		envName := strings.ToUpper(name)
		chains = append(chains, ChainConfig{
			Name:    name,
			ChainID: chainID,
			WSURL:   os.Getenv(envName + "_RPC_WS"),
			HTTPURL: os.Getenv(envName + "_RPC_HTTP"),
		})
	}

	if len(chains) == 0 {
		return nil, fmt.Errorf("CHAINS resolved to no chains")
	}
	return chains, nil
}

// Validate checks settings that every service needs. Service-specific
// requirements (e.g. RPC URLs for the ingestor) are validated by the
// service entrypoints.
func (c *Config) Validate() error {
	if len(c.Bus.Addresses) == 0 || c.Bus.Addresses[0] == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

// ValidateIngestor checks the settings the ingestor cannot run without
func (c *Config) ValidateIngestor() error {
	for _, chain := range c.Ingestor.Chains {
		if chain.WSURL == "" {
			return fmt.Errorf("%s_RPC_WS is required for chain %q", strings.ToUpper(chain.Name), chain.Name)
		}
	}
	return nil
}

// ValidateProcessor checks the settings the processor cannot run without
func (c *Config) ValidateProcessor() error {
	if c.ConfigStore.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Processor.ShardCount == 0 {
		return fmt.Errorf("processor shard count must be positive")
	}
	return nil
}

// ValidateDelivery checks the settings the delivery service cannot run without
func (c *Config) ValidateDelivery() error {
	if c.ConfigStore.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Delivery.ShardCount == 0 {
		return fmt.Errorf("delivery shard count must be positive")
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "info")

	// Bus defaults
	v.SetDefault("bus.addresses", []string{"localhost:6379"})
	v.SetDefault("bus.max_retries", 3)
	v.SetDefault("bus.retry_backoff", 100*time.Millisecond)
	v.SetDefault("bus.dial_timeout", 10*time.Second)
	v.SetDefault("bus.read_timeout", 10*time.Second)
	v.SetDefault("bus.write_timeout", 10*time.Second)
	v.SetDefault("bus.pool_size", 10)
	v.SetDefault("bus.min_idle_conns", 5)
	v.SetDefault("bus.pool_timeout", 4*time.Second)
	v.SetDefault("bus.idle_timeout", 5*time.Minute)

	// Config store defaults
	v.SetDefault("config_store.max_open_conns", 20)
	v.SetDefault("config_store.max_idle_conns", 5)
	v.SetDefault("config_store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("config_store.query_timeout", 5*time.Second)

	// Event store defaults
	v.SetDefault("event_store.database", "ethhook")
	v.SetDefault("event_store.username", "")
	v.SetDefault("event_store.password", "")
	v.SetDefault("event_store.batch_size", 1000)
	v.SetDefault("event_store.batch_age", 1*time.Second)
	v.SetDefault("event_store.max_buffered", 100000)
	v.SetDefault("event_store.request_timeout", 30*time.Second)

	// Ingestor defaults
	v.SetDefault("ingestor.reconnect_base_delay", 1*time.Second)
	v.SetDefault("ingestor.reconnect_max_delay", 60*time.Second)
	v.SetDefault("ingestor.read_timeout", 30*time.Second)
	v.SetDefault("ingestor.publish_retry_window", 30*time.Second)
	v.SetDefault("ingestor.degraded_buffer_size", 10000)
	v.SetDefault("ingestor.drain_interval", 1*time.Second)
	v.SetDefault("ingestor.backfill_lookback", 6)
	v.SetDefault("ingestor.dedup_cache_size", 100000)
	v.SetDefault("ingestor.dedup_ttl", 24*time.Hour)
	v.SetDefault("ingestor.stream_max_len", 1000000)

	// Processor defaults
	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.group", "processor-v1")
	v.SetDefault("processor.batch_size", 100)
	v.SetDefault("processor.block_timeout", 5*time.Second)
	v.SetDefault("processor.claim_min_idle", 30*time.Second)
	v.SetDefault("processor.claim_interval", 15*time.Second)
	v.SetDefault("processor.shard_count", 8)
	v.SetDefault("processor.cache.size", 10000)
	v.SetDefault("processor.cache.ttl", 60*time.Second)

	// Delivery defaults
	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.group", "delivery-v1")
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.block_timeout", 5*time.Second)
	v.SetDefault("delivery.claim_min_idle", 30*time.Second)
	v.SetDefault("delivery.claim_interval", 15*time.Second)
	v.SetDefault("delivery.shard_count", 8)
	v.SetDefault("delivery.request_timeout", 30*time.Second)
	v.SetDefault("delivery.max_retries", 5)
	v.SetDefault("delivery.breaker.failure_threshold", 5)
	v.SetDefault("delivery.breaker.cooldown", 30*time.Second)
	v.SetDefault("delivery.breaker.half_open_requests", 3)
}
