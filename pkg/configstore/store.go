// Package configstore provides the pipeline's read access to endpoint
// configuration in PostgreSQL, fronted by a TTL-bounded LRU cache keyed by
// (chain_id, contract_address).
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	// lib/pq doubles as the database/sql driver registration
	"github.com/lib/pq"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Config holds connection settings for the config store
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// DefaultConfig returns sensible pool defaults
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// Store is the sqlx-backed endpoint reader
type Store struct {
	db     *sqlx.DB
	config *Config
	logger observability.Logger
}

// NewStore opens a connection pool to the config store
func NewStore(ctx context.Context, config *Config, logger observability.Logger) (*Store, error) {
	if config == nil || config.DSN == "" {
		return nil, fmt.Errorf("config store DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open config store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping config store: %w", err)
	}

	logger.Info("Connected to config store", map[string]interface{}{
		"dsn": sanitizeDSN(config.DSN),
	})

	return &Store{db: db, config: config, logger: logger}, nil
}

// NewStoreFromDB wraps an existing connection. Used by tests with sqlmock.
func NewStoreFromDB(db *sqlx.DB, logger observability.Logger) *Store {
	return &Store{db: db, config: DefaultConfig(), logger: logger}
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// matchQuery returns active endpoints subscribed to the chain whose
// contract filter is empty or contains the address. Topic filtering is
// applied by the processor: topics[0] is cheaper to compare in-process
// than to index across SQL arrays.
const matchQuery = `
SELECT
    e.id,
    e.application_id,
    a.user_id,
    e.webhook_url,
    e.hmac_secret,
    e.chain_ids,
    e.contract_addresses,
    e.event_signatures,
    e.is_active,
    e.rate_limit_per_second,
    e.max_retries,
    e.timeout_seconds
FROM endpoints e
JOIN applications a ON a.id = e.application_id
WHERE e.is_active = true
  AND (
      e.chain_ids IS NULL
      OR $1::BIGINT = ANY(e.chain_ids)
  )
  AND (
      e.contract_addresses IS NULL
      OR cardinality(e.contract_addresses) = 0
      OR $2 = ANY(SELECT LOWER(UNNEST(e.contract_addresses)))
  )`

// EndpointsMatching returns all active endpoints whose chain and contract
// filters accept the given (chain_id, contract_address) pair. The address
// is lowercased before comparison.
func (s *Store) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress string) ([]*domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	addr := strings.ToLower(contractAddress)

	rows, err := s.db.QueryContext(ctx, matchQuery, int64(chainID), addr)
	if err != nil {
		return nil, fmt.Errorf("failed to query matching endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var endpoints []*domain.Endpoint
	for rows.Next() {
		var e domain.Endpoint
		var chainIDs pq.Int64Array
		var addresses, signatures pq.StringArray

		if err := rows.Scan(
			&e.ID,
			&e.ApplicationID,
			&e.UserID,
			&e.WebhookURL,
			&e.HMACSecret,
			&chainIDs,
			&addresses,
			&signatures,
			&e.IsActive,
			&e.RateLimitPerSecond,
			&e.MaxRetries,
			&e.TimeoutSeconds,
		); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}

		e.ChainIDs = chainIDs
		e.ContractAddresses = addresses
		e.EventSignatures = signatures
		endpoints = append(endpoints, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("endpoint row iteration failed: %w", err)
	}

	return endpoints, nil
}

// EndpointActive reports whether the endpoint still exists and is active.
// The delivery workers call this before each send: jobs carry endpoint
// settings from fan-out time and must not fire for endpoints deactivated
// or deleted since.
func (s *Store) EndpointActive(ctx context.Context, endpointID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	var active bool
	err := s.db.GetContext(ctx, &active, "SELECT is_active FROM endpoints WHERE id = $1", endpointID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to check endpoint %s: %w", endpointID, err)
	}
	return active, nil
}

// sanitizeDSN removes credentials from a DSN for safe logging
func sanitizeDSN(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+atIdx:]
		}
	}
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		for i, part := range parts {
			if strings.HasPrefix(part, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	}
	return dsn
}
