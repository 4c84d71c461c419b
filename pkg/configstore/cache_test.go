package configstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

// countingSource records how often the underlying store is hit
type countingSource struct {
	mu        sync.Mutex
	calls     int
	endpoints []*domain.Endpoint
}

func (s *countingSource) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress string) ([]*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls += 1
	return s.endpoints, nil
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newCachingStore(source EndpointSource) *CachingStore {
	return NewCachingStore(source, &CacheConfig{Size: 100, TTL: time.Minute},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestCachingStoreServesFromCache(t *testing.T) {
	endpoint := &domain.Endpoint{ID: uuid.New(), IsActive: true}
	source := &countingSource{endpoints: []*domain.Endpoint{endpoint}}
	cs := newCachingStore(source)

	ctx := context.Background()

	first, err := cs.EndpointsMatching(ctx, 1, "0xabc")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, source.callCount())

	second, err := cs.EndpointsMatching(ctx, 1, "0xABC")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 1, source.callCount(), "case-insensitive key hits the cache")

	_, err = cs.EndpointsMatching(ctx, 8453, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount(), "different chain misses")
}

func TestNoteEndpointChangeEvicts(t *testing.T) {
	endpoint := &domain.Endpoint{ID: uuid.New(), IsActive: true}
	source := &countingSource{endpoints: []*domain.Endpoint{endpoint}}
	cs := newCachingStore(source)

	ctx := context.Background()

	_, err := cs.EndpointsMatching(ctx, 1, "0xabc")
	require.NoError(t, err)
	_, err = cs.EndpointsMatching(ctx, 1, "0xdef")
	require.NoError(t, err)
	require.Equal(t, 2, source.callCount())

	cs.NoteEndpointChange(endpoint.ID)

	_, err = cs.EndpointsMatching(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 3, source.callCount(), "both entries referencing the endpoint were evicted")

	// Unknown endpoints are a no-op
	cs.NoteEndpointChange(uuid.New())
}

func TestPurge(t *testing.T) {
	source := &countingSource{endpoints: []*domain.Endpoint{{ID: uuid.New()}}}
	cs := newCachingStore(source)

	ctx := context.Background()
	_, err := cs.EndpointsMatching(ctx, 1, "0xabc")
	require.NoError(t, err)

	cs.Purge()

	_, err = cs.EndpointsMatching(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestCacheEvictionUnderPressure(t *testing.T) {
	source := &countingSource{endpoints: []*domain.Endpoint{{ID: uuid.New()}}}
	cs := NewCachingStore(source, &CacheConfig{Size: 2, TTL: time.Minute},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	ctx := context.Background()
	// Filling past capacity triggers LRU eviction and the reverse-index
	// cleanup path; must not deadlock
	for _, addr := range []string{"0xa", "0xb", "0xc", "0xd"} {
		_, err := cs.EndpointsMatching(ctx, 1, addr)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, source.callCount())
}
