package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

// insertCapture records JSONEachRow inserts by table
type insertCapture struct {
	mu      sync.Mutex
	inserts map[string][]string
	fail    bool
}

func (c *insertCapture) handler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	query := r.URL.Query().Get("query")
	body, _ := io.ReadAll(r.Body)

	table := "unknown"
	for _, t := range []string{eventsTable, deliveriesTable} {
		if strings.Contains(query, "."+t+" ") {
			table = t
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line != "" {
			c.inserts[table] = append(c.inserts[table], line)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (c *insertCapture) rows(table string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.inserts[table]...)
}

func testWriter(t *testing.T, config *Config) (*Writer, *insertCapture) {
	t.Helper()

	capture := &insertCapture{inserts: make(map[string][]string)}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	t.Cleanup(server.Close)

	if config == nil {
		config = DefaultConfig()
	}
	config.URL = server.URL
	config.BatchAge = time.Hour // flush only on demand in tests

	w, err := NewWriter(config, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, capture
}

func sampleEventRow() EventRow {
	event := &domain.Event{
		ChainID:         1,
		BlockNumber:     19000000,
		BlockHash:       "0xAAA",
		TransactionHash: "0xBBB",
		LogIndex:        3,
		ContractAddress: "0xCCC",
		Topics:          []string{"0xT0", "0xT1"},
		Data:            "0x",
		Timestamp:       1700000000,
	}
	return EventRowFrom(event, 1700000005)
}

func TestEventRowFromFlattensTopics(t *testing.T) {
	row := sampleEventRow()

	assert.Equal(t, "0xaaa", row.BlockHash)
	assert.Equal(t, "0xt0", row.Topic0)
	assert.Equal(t, "0xt1", row.Topic1)
	assert.Empty(t, row.Topic2)
	assert.Equal(t, uint8(0), row.Removed)
	assert.Equal(t, int64(1700000005), row.IngestedAt)
}

func TestDeliveryRowFrom(t *testing.T) {
	next := time.Unix(1700000100, 0)
	rec := &domain.DeliveryRecord{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		EventID:     uuid.New(),
		EndpointID:  uuid.New(),
		Attempt:     2,
		HTTPStatus:  503,
		LatencyMS:   120,
		ErrorKind:   domain.ErrorKindReceiver,
		Success:     false,
		FinalizedAt: time.Unix(1700000000, 0),
		NextRetryAt: &next,
	}

	row := DeliveryRowFrom(rec)
	assert.Equal(t, rec.JobID.String(), row.JobID)
	assert.Equal(t, 503, row.HTTPStatus)
	assert.Equal(t, "receiver", row.ErrorKind)
	assert.Equal(t, uint8(0), row.Success)
	assert.Equal(t, int64(1700000100), row.NextRetryAt)
}

func TestDiagnosticRowMarksDeadRecord(t *testing.T) {
	row := DiagnosticRow("events:1", "1700000000-0", "missing field block_number", 1700000005)
	assert.Equal(t, "missing field block_number", row.ProcessingError)
	assert.Equal(t, "events:1/1700000000-0", row.SourceRecord)
	assert.Equal(t, int64(1700000005), row.IngestedAt)
	assert.Empty(t, row.BlockHash, "log columns stay empty on dead records")
}

func TestWriterFlushesOnDemand(t *testing.T) {
	w, capture := testWriter(t, nil)

	require.True(t, w.AddEvent(context.Background(), sampleEventRow()))
	assert.Equal(t, 1, w.BufferedRows())

	w.Flush(context.Background())

	rows := capture.rows(eventsTable)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, w.BufferedRows())

	var decoded EventRow
	require.NoError(t, json.Unmarshal([]byte(rows[0]), &decoded))
	assert.Equal(t, uint64(19000000), decoded.BlockNumber)
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	w, capture := testWriter(t, &Config{BatchSize: 3, MaxBuffered: 100, RequestTimeout: 5 * time.Second})

	for i := 0; i < 3; i++ {
		require.True(t, w.AddEvent(context.Background(), sampleEventRow()))
	}

	// The flusher runs asynchronously on the size trigger
	require.Eventually(t, func() bool {
		return len(capture.rows(eventsTable)) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWriterBackpressuresWhenBufferFull(t *testing.T) {
	capture := &insertCapture{inserts: make(map[string][]string), fail: true}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	w, err := NewWriter(&Config{
		URL:            server.URL,
		BatchSize:      1000,
		BatchAge:       time.Hour,
		MaxBuffered:    2,
		RequestTimeout: 50 * time.Millisecond,
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.AddEvent(context.Background(), sampleEventRow()))
	assert.True(t, w.AddEvent(context.Background(), sampleEventRow()))

	// Inserts keep failing, so the buffer never frees: the caller blocks
	// until its context expires
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, w.AddEvent(ctx, sampleEventRow()), "cancelled before space freed")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "held at the cap rather than dropped immediately")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	assert.False(t, w.AddDelivery(ctx2, DeliveryRow{}), "cap is shared across tables")
	assert.Equal(t, 2, w.BufferedRows())
}

func TestWriterUnblocksWhenFlushFreesSpace(t *testing.T) {
	w, _ := testWriter(t, &Config{BatchSize: 1000, MaxBuffered: 2, RequestTimeout: 5 * time.Second})

	require.True(t, w.AddEvent(context.Background(), sampleEventRow()))
	require.True(t, w.AddEvent(context.Background(), sampleEventRow()))

	go func() {
		time.Sleep(50 * time.Millisecond)
		w.Flush(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, w.AddEvent(ctx, sampleEventRow()), "admitted once the flush drains the buffer")
}

func TestWriterSeparatesTables(t *testing.T) {
	w, capture := testWriter(t, nil)

	require.True(t, w.AddEvent(context.Background(), sampleEventRow()))
	require.True(t, w.AddDelivery(context.Background(), DeliveryRow{JobID: uuid.New().String(), Attempt: 1}))

	w.Flush(context.Background())

	assert.Len(t, capture.rows(eventsTable), 1)
	assert.Len(t, capture.rows(deliveriesTable), 1)
}
