package processor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestShardForIsStable(t *testing.T) {
	id := uuid.New()
	shard := ShardFor(id, 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, shard, ShardFor(id, 8))
	}
	assert.Less(t, shard, uint32(8))
}

func TestShardForSpreadsEndpoints(t *testing.T) {
	const shards = 8
	counts := make([]int, shards)
	for i := 0; i < 1000; i++ {
		counts[ShardFor(uuid.New(), shards)]++
	}
	for shard, n := range counts {
		assert.Greater(t, n, 0, "shard %d never chosen", shard)
	}
}
