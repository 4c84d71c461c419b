// Package bus wraps Redis Streams as the durable message bus connecting
// the pipeline stages. Records consumed through a consumer group stay in
// the group's pending list until acknowledged; Claim moves abandoned
// entries to a live consumer after a crash.
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ethhook/ethhook/pkg/observability"
)

// Config represents the configuration for the bus client
type Config struct {
	// Connection settings
	Addresses    []string      `mapstructure:"addresses"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// TLS settings
	TLSEnabled bool        `mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `mapstructure:"-"`

	// Pool settings
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns a default configuration for the bus client
func DefaultConfig() *Config {
	return &Config{
		Addresses:    []string{"localhost:6379"},
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
}

// Message is a single stream record: the broker-assigned id plus the flat
// field map the producer published.
type Message struct {
	ID     string
	Fields map[string]interface{}
}

// Client provides stream publish/consume with consumer-group semantics
type Client struct {
	client redis.UniversalClient
	config *Config
	logger observability.Logger
	mu     sync.RWMutex

	// Health check state
	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time
	stopHealth      chan struct{}
	stopOnce        sync.Once
}

// NewClient creates a new bus client and verifies connectivity
func NewClient(config *Config, logger observability.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(config.Addresses) == 0 {
		return nil, fmt.Errorf("no bus addresses configured")
	}

	c := &Client{
		config:     config,
		logger:     logger,
		healthy:    true,
		stopHealth: make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	go c.healthCheckLoop()

	return c, nil
}

// NewClientFromRedis wraps an existing Redis client. Used by tests to
// point the bus at miniredis.
func NewClientFromRedis(client redis.UniversalClient, logger observability.Logger) *Client {
	return &Client{
		client:     client,
		config:     DefaultConfig(),
		logger:     logger,
		healthy:    true,
		stopHealth: make(chan struct{}),
	}
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tlsConfig *tls.Config
	if c.config.TLSEnabled {
		tlsConfig = c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:            c.config.Addresses[0],
		Username:        c.config.Username,
		Password:        c.config.Password,
		DB:              c.config.DB,
		MaxRetries:      c.config.MaxRetries,
		MinRetryBackoff: c.config.RetryBackoff,
		DialTimeout:     c.config.DialTimeout,
		ReadTimeout:     c.config.ReadTimeout,
		WriteTimeout:    c.config.WriteTimeout,
		PoolSize:        c.config.PoolSize,
		MinIdleConns:    c.config.MinIdleConns,
		PoolTimeout:     c.config.PoolTimeout,
		ConnMaxIdleTime: c.config.IdleTimeout,
		TLSConfig:       tlsConfig,
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout+c.config.ReadTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping bus: %w", err)
	}

	c.client = client
	c.logger.Info("Connected to bus", map[string]interface{}{
		"addresses": c.config.Addresses,
	})

	return nil
}

// healthCheckLoop runs periodic health checks
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.client.Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Bus health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the current health status
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Close closes the underlying connection
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopHealth) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client for direct access
func (c *Client) GetClient() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Publish appends a record to a stream and returns the broker-assigned id
func (c *Client) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
}

// EnsureGroup creates the consumer group for a stream, creating the stream
// if needed. Safe to call repeatedly; an existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %q on %q: %w", group, stream, err)
	}
	return nil
}

// Consume reads up to max records for this consumer from the group,
// blocking up to block if none are available. Returns no error when the
// block timeout expires with nothing to read.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %q: %w", stream, err)
	}

	var messages []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			messages = append(messages, Message{ID: m.ID, Fields: m.Values})
		}
	}
	return messages, nil
}

// Ack marks records as processed, removing them from the pending list
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d messages on %q: %w", len(ids), stream, err)
	}
	return nil
}

// Claim transfers ownership of records whose consumer has been idle at
// least minIdle, so a crashed consumer's pending work is recovered.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending messages on %q: %w", stream, err)
	}

	messages := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, Message{ID: m.ID, Fields: m.Values})
	}
	return messages, nil
}

// Pending returns the number of delivered-but-unacknowledged records in
// the group. Observability only.
func (c *Client) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get pending count on %q: %w", stream, err)
	}
	return res.Count, nil
}

// Trim trims a stream to approximately maxLen entries
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	return c.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}
