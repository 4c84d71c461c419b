package processor

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// ShardFor maps an endpoint to its delivery shard. All jobs for one
// endpoint land on the same shard so per-endpoint ordering and rate
// limiting hold within a single consumer group.
func ShardFor(endpointID uuid.UUID, shardCount uint32) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpointID.String()))
	return h.Sum32() % shardCount
}
