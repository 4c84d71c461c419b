package bus

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

func testClient(t *testing.T) *Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewClientFromRedis(rdb, observability.NewNoopLogger())
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "events:1", "processor-v1"))

	id, err := c.Publish(ctx, "events:1", map[string]interface{}{
		"chain_id": "1",
		"data":     "0x",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := c.Consume(ctx, "events:1", "processor-v1", "worker-0", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, "1", messages[0].Fields["chain_id"])

	pending, err := c.Pending(ctx, "events:1", "processor-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, c.Ack(ctx, "events:1", "processor-v1", messages[0].ID))

	pending, err = c.Pending(ctx, "events:1", "processor-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "events:1", "g"))
	require.NoError(t, c.EnsureGroup(ctx, "events:1", "g"))
}

func TestConsumeOnlySeesRecordsAfterGroupCreation(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	_, err := c.Publish(ctx, "events:1", map[string]interface{}{"k": "before"})
	require.NoError(t, err)

	require.NoError(t, c.EnsureGroup(ctx, "events:1", "g"))

	_, err = c.Publish(ctx, "events:1", map[string]interface{}{"k": "after"})
	require.NoError(t, err)

	messages, err := c.Consume(ctx, "events:1", "g", "w", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "after", messages[0].Fields["k"])
}

func TestClaimRecoversAbandonedRecords(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "deliveries:0", "delivery-v1"))

	_, err := c.Publish(ctx, "deliveries:0", map[string]interface{}{"job_id": "j1"})
	require.NoError(t, err)

	// A consumer reads the record and dies without acking
	messages, err := c.Consume(ctx, "deliveries:0", "delivery-v1", "dead-consumer", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	claimed, err := c.Claim(ctx, "deliveries:0", "delivery-v1", "live-consumer", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, messages[0].ID, claimed[0].ID)
	assert.Equal(t, "j1", claimed[0].Fields["job_id"])
}

func TestAckNoIDsIsNoop(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	assert.NoError(t, c.Ack(ctx, "events:1", "g"))
}
