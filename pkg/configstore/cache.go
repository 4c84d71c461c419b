package configstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

// EndpointSource is the read interface the cache fronts. *Store satisfies it.
type EndpointSource interface {
	EndpointsMatching(ctx context.Context, chainID uint64, contractAddress string) ([]*domain.Endpoint, error)
}

// CacheConfig tunes the match cache
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// DefaultCacheConfig returns the default cache sizing
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Size: 10000,
		TTL:  60 * time.Second,
	}
}

// CachingStore fronts an EndpointSource with a TTL-bounded LRU keyed by
// (chain_id, contract_address). Staleness is bounded by the TTL; endpoint
// mutations additionally evict every cached entry referencing the
// endpoint via NoteEndpointChange.
type CachingStore struct {
	source  EndpointSource
	cache   *expirable.LRU[string, []*domain.Endpoint]
	logger  observability.Logger
	metrics observability.MetricsClient

	// byEndpoint maps endpoint id to the cache keys whose cached result
	// contains it, so invalidation does not scan the whole cache.
	mu         sync.Mutex
	byEndpoint map[uuid.UUID]map[string]struct{}
}

// NewCachingStore wraps source with the match cache
func NewCachingStore(source EndpointSource, config *CacheConfig, logger observability.Logger, metrics observability.MetricsClient) *CachingStore {
	if config == nil {
		config = DefaultCacheConfig()
	}

	cs := &CachingStore{
		source:     source,
		logger:     logger,
		metrics:    metrics,
		byEndpoint: make(map[uuid.UUID]map[string]struct{}),
	}
	cs.cache = expirable.NewLRU[string, []*domain.Endpoint](config.Size, cs.onEvict, config.TTL)
	return cs
}

func cacheKey(chainID uint64, contractAddress string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(contractAddress))
}

// EndpointsMatching returns the cached match set, falling through to the
// underlying store on miss.
func (c *CachingStore) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress string) ([]*domain.Endpoint, error) {
	key := cacheKey(chainID, contractAddress)

	if endpoints, ok := c.cache.Get(key); ok {
		c.metrics.IncrementCounter("configstore.cache.hit", 1)
		return endpoints, nil
	}
	c.metrics.IncrementCounter("configstore.cache.miss", 1)

	endpoints, err := c.source.EndpointsMatching(ctx, chainID, contractAddress)
	if err != nil {
		return nil, err
	}

	// Add may evict, which re-enters onEvict; keep it outside the lock.
	c.cache.Add(key, endpoints)

	c.mu.Lock()
	for _, e := range endpoints {
		keys, ok := c.byEndpoint[e.ID]
		if !ok {
			keys = make(map[string]struct{})
			c.byEndpoint[e.ID] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()

	return endpoints, nil
}

// NoteEndpointChange evicts every cache entry whose match set references
// the endpoint. Called when the admin API signals an endpoint mutation.
// Entries the changed endpoint newly matches but was absent from are
// covered by the TTL.
func (c *CachingStore) NoteEndpointChange(endpointID uuid.UUID) {
	c.mu.Lock()
	keys := c.byEndpoint[endpointID]
	delete(c.byEndpoint, endpointID)
	c.mu.Unlock()

	for key := range keys {
		c.cache.Remove(key)
	}

	c.logger.Debug("Evicted cache entries for endpoint", map[string]interface{}{
		"endpoint_id": endpointID.String(),
		"entries":     len(keys),
	})
}

// Purge drops every cached entry
func (c *CachingStore) Purge() {
	c.cache.Purge()
	c.mu.Lock()
	c.byEndpoint = make(map[uuid.UUID]map[string]struct{})
	c.mu.Unlock()
}

// onEvict keeps the reverse index from holding keys for evicted entries.
// Called by the LRU with its own lock held, so it must not touch the cache.
func (c *CachingStore) onEvict(key string, endpoints []*domain.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range endpoints {
		if keys, ok := c.byEndpoint[e.ID]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byEndpoint, e.ID)
			}
		}
	}
}
