package ingestor

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ethhook/ethhook/pkg/observability"
)

// Deduper suppresses events already published. A local LRU answers the
// common case without a network hop; Redis backs it so a restarted or
// reconnecting worker does not republish what a previous incarnation sent.
//
// A removed-log marker shares identity with the event it reverses and
// must not be suppressed, so callers skip dedup for removed events.
type Deduper struct {
	seen    *lru.Cache[string, struct{}]
	client  redis.UniversalClient
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
}

const seenSetPrefix = "seen_events:"

// NewDeduper creates a deduper with the given local cache size and
// Redis-side TTL.
func NewDeduper(client redis.UniversalClient, size int, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) (*Deduper, error) {
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{
		seen:    seen,
		client:  client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Seen marks the identity as published and reports whether it already
// was. The Redis write is best-effort: if it fails the local answer
// stands, trading a possible duplicate after restart for availability.
func (d *Deduper) Seen(ctx context.Context, identity string, bucket time.Time) bool {
	if _, dup := d.seen.ContainsOrAdd(identity, struct{}{}); dup {
		d.metrics.IncrementCounter("ingestor.dedup.local_hit", 1)
		return true
	}

	// Daily buckets so expiry is handled by key TTL rather than SREM
	key := seenSetPrefix + bucket.UTC().Format("2006-01-02")

	added, err := d.client.SAdd(ctx, key, identity).Result()
	if err != nil {
		d.logger.Warn("Dedup set write failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	// Expiry refreshes on every write; the set covers one day plus TTL
	_ = d.client.Expire(ctx, key, d.ttl).Err()

	if added == 0 {
		d.metrics.IncrementCounter("ingestor.dedup.remote_hit", 1)
		return true
	}
	return false
}
