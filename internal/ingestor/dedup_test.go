package ingestor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/observability"
)

func testDeduper(t *testing.T, size int) (*Deduper, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	d, err := NewDeduper(rdb, size, 24*time.Hour, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return d, mr
}

func TestDeduperSuppressesRepeats(t *testing.T) {
	d, _ := testDeduper(t, 100)
	ctx := context.Background()
	now := time.Now()

	assert.False(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now))
	assert.True(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now))
	assert.False(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:1", now), "different log index is a different event")
}

func TestDeduperSurvivesLocalEviction(t *testing.T) {
	// Cache of 1: the second identity evicts the first locally, but Redis
	// still remembers it
	d, _ := testDeduper(t, 1)
	ctx := context.Background()
	now := time.Now()

	assert.False(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now))
	assert.False(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:1", now))
	assert.True(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now))
}

func TestDeduperSetHasTTL(t *testing.T) {
	d, mr := testDeduper(t, 100)
	ctx := context.Background()
	now := time.Now()

	d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now)

	key := seenSetPrefix + now.UTC().Format("2006-01-02")
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestDeduperToleratesRedisOutage(t *testing.T) {
	d, mr := testDeduper(t, 100)
	ctx := context.Background()
	now := time.Now()

	mr.SetError("connection refused")
	assert.False(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now), "first sighting passes through")
	assert.True(t, d.Seen(ctx, "event:1:0xaaa:0xbbb:0", now), "local cache still suppresses")
}
