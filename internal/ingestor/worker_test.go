package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

func testWorker(t *testing.T) (*Worker, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	busClient := bus.NewClientFromRedis(rdb, observability.NewNoopLogger())

	w, err := NewWorker(Config{
		ChainName:          "ethereum",
		ChainID:            1,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
		ReadTimeout:        time.Second,
		PublishRetryWindow: 50 * time.Millisecond,
		DegradedBufferSize: 3,
		DrainInterval:      10 * time.Millisecond,
		BackfillLookback:   6,
		DedupCacheSize:     100,
		DedupTTL:           24 * time.Hour,
	}, busClient, nil, rdb, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return w, mr, rdb
}

func testEvent(logIndex uint32) *domain.Event {
	e := &domain.Event{
		ChainID:         1,
		BlockNumber:     100,
		BlockHash:       "0xaaa",
		TransactionHash: "0xbbb",
		LogIndex:        logIndex,
		ContractAddress: "0xccc",
		Topics:          []string{"0xt0"},
		Data:            "0x",
	}
	return e
}

func streamLen(t *testing.T, rdb redis.UniversalClient, stream string) int {
	t.Helper()
	n, err := rdb.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	return int(n)
}

func TestHandleEventPublishesAndDedups(t *testing.T) {
	w, _, rdb := testWorker(t)
	ctx := context.Background()

	require.NoError(t, w.handleEvent(ctx, testEvent(0)))
	require.NoError(t, w.handleEvent(ctx, testEvent(0)))
	require.NoError(t, w.handleEvent(ctx, testEvent(1)))

	assert.Equal(t, 2, streamLen(t, rdb, "events:1"), "duplicate suppressed")
}

func TestHandleEventRemovedBypassesDedup(t *testing.T) {
	w, _, rdb := testWorker(t)
	ctx := context.Background()

	require.NoError(t, w.handleEvent(ctx, testEvent(0)))

	removed := testEvent(0)
	removed.Removed = true
	require.NoError(t, w.handleEvent(ctx, removed))

	assert.Equal(t, 2, streamLen(t, rdb, "events:1"), "reorg marker shares identity but still publishes")
}

func TestHandleEventStampsBlockTimestamp(t *testing.T) {
	w, _, rdb := testWorker(t)
	ctx := context.Background()

	w.handleHead(&BlockHead{Number: 100, Hash: "0xaaa", Timestamp: 1700000000})
	require.NoError(t, w.handleEvent(ctx, testEvent(0)))

	msgs, err := rdb.XRange(ctx, "events:1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1700000000", msgs[0].Values["timestamp"])
}

func TestDegradedBufferingAndRecovery(t *testing.T) {
	w, mr, rdb := testWorker(t)
	ctx := context.Background()

	mr.SetError("bus down")
	require.NoError(t, w.handleEvent(ctx, testEvent(0)))

	// Dedup also fails open during the outage, so the event lands in the
	// buffer rather than the stream
	assert.Equal(t, StateDegraded, w.State())
	assert.Equal(t, 1, w.BufferedEvents())

	require.NoError(t, w.handleEvent(ctx, testEvent(1)))
	assert.Equal(t, 2, w.BufferedEvents())

	mr.SetError("")
	w.flushBuffer(ctx)

	assert.Equal(t, 0, w.BufferedEvents())
	assert.Equal(t, 2, streamLen(t, rdb, "events:1"))
	assert.Equal(t, StateStreaming, w.State())
}

func TestDegradedBufferFullEndsTheStream(t *testing.T) {
	w, mr, rdb := testWorker(t)
	ctx := context.Background()

	mr.SetError("bus down")
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, w.handleEvent(ctx, testEvent(i)))
	}
	assert.Equal(t, 3, w.BufferedEvents())

	// Capacity 3: the next event cannot be absorbed, so the worker sheds
	// the subscription and reconnects instead of growing the buffer
	err := w.handleEvent(ctx, testEvent(3))
	require.ErrorIs(t, err, errBufferFull)
	assert.Equal(t, 3, w.BufferedEvents(), "buffered events are kept in order")

	mr.SetError("")
	w.flushBuffer(ctx)

	msgs, err := rdb.XRange(ctx, "events:1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "0", msgs[0].Values["log_index"])
	assert.Equal(t, "2", msgs[2].Values["log_index"])
}

func TestDrainLoopRecoversWithoutInboundFrames(t *testing.T) {
	w, mr, rdb := testWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr.SetError("bus down")
	require.NoError(t, w.handleEvent(ctx, testEvent(0)))
	require.NoError(t, w.handleEvent(ctx, testEvent(1)))
	require.Equal(t, 2, w.BufferedEvents())

	// No frames arrive on a quiet chain; the timer alone must drain the
	// buffer once the bus recovers
	go w.drainLoop(ctx)
	mr.SetError("")

	require.Eventually(t, func() bool {
		return w.BufferedEvents() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, streamLen(t, rdb, "events:1"))
	assert.Equal(t, StateStreaming, w.State())
}

// fakeBackfillServer answers eth_blockNumber with head and eth_getLogs
// with the given raw log objects. Returns the server URL.
func fakeBackfillServer(t *testing.T, head uint64, logs []string) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "eth_blockNumber":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"%s"}`, req.ID, domain.FormatHexUint64(head))
		case "eth_getLogs":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":[%s]}`, req.ID, strings.Join(logs, ","))
		default:
			http.Error(w, "unexpected method", http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestBackfillReplaysMissedLogs(t *testing.T) {
	w, _, rdb := testWorker(t)
	ctx := context.Background()

	// Nothing seen yet: no range to fill
	require.NoError(t, w.backfill(ctx, NewBackfillClient("", 1)))

	w.handleHead(&BlockHead{Number: 100, Hash: "0xaaa", Timestamp: 1700000000})

	server := fakeBackfillServer(t, 106, []string{
		`{"address":"0xccc","topics":["0xt0"],"data":"0x","blockNumber":"0x63","blockHash":"0xaaa","transactionHash":"0xbbb","logIndex":"0x0","removed":false}`,
		`{"address":"0xccc","topics":["0xt0"],"data":"0x","blockNumber":"0x64","blockHash":"0xaab","transactionHash":"0xbbc","logIndex":"0x1","removed":false}`,
	})

	require.NoError(t, w.backfill(ctx, NewBackfillClient(server, 1)))
	assert.Equal(t, 2, streamLen(t, rdb, "events:1"))

	// Re-running the same backfill is fully deduplicated
	require.NoError(t, w.backfill(ctx, NewBackfillClient(server, 1)))
	assert.Equal(t, 2, streamLen(t, rdb, "events:1"))
}
