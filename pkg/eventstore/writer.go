// Package eventstore archives ingested events and delivery attempts to
// ClickHouse over its HTTP interface. Rows are buffered and flushed in
// batches; the archive never blocks the hot path until the buffer cap
// is reached, at which point callers are back-pressured.
package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ethhook/ethhook/pkg/observability"
)

// Config holds ClickHouse connection and batching settings
type Config struct {
	// URL is the ClickHouse HTTP interface, e.g. http://localhost:8123
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// BatchSize rows or BatchAge elapsed triggers a flush
	BatchSize int           `mapstructure:"batch_size"`
	BatchAge  time.Duration `mapstructure:"batch_age"`
	// MaxBuffered caps rows held across both tables; at the cap AddEvent
	// and AddDelivery block until a flush frees space
	MaxBuffered    int           `mapstructure:"max_buffered"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultConfig returns the standard batching settings
func DefaultConfig() *Config {
	return &Config{
		Database:       "ethhook",
		BatchSize:      1000,
		BatchAge:       1 * time.Second,
		MaxBuffered:    100000,
		RequestTimeout: 30 * time.Second,
	}
}

const (
	eventsTable     = "events"
	deliveriesTable = "delivery_attempts"
)

// Writer batches rows and inserts them via JSONEachRow. One flusher
// goroutine per table drains its buffer on size or age.
type Writer struct {
	config  *Config
	client  *http.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	mu         sync.Mutex
	events     []EventRow
	deliveries []DeliveryRow

	flushCh chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWriter creates a writer and starts its flusher
func NewWriter(config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Writer, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("event store URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid event store URL: %w", err)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.BatchAge <= 0 {
		config.BatchAge = time.Second
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = 100000
	}

	w := &Writer{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		logger:  logger,
		metrics: metrics,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

// AddEvent buffers an event row, blocking while the buffer is at
// capacity. Returns false only when ctx is cancelled or the writer is
// closing before space frees; the row is then dropped and counted.
func (w *Writer) AddEvent(ctx context.Context, row EventRow) bool {
	if !w.waitForSpace(ctx, eventsTable) {
		return false
	}
	w.mu.Lock()
	w.events = append(w.events, row)
	full := len(w.events) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		w.signalFlush()
	}
	return true
}

// AddDelivery buffers a delivery attempt row, blocking while the buffer
// is at capacity. Returns false only when ctx is cancelled or the
// writer is closing before space frees.
func (w *Writer) AddDelivery(ctx context.Context, row DeliveryRow) bool {
	if !w.waitForSpace(ctx, deliveriesTable) {
		return false
	}
	w.mu.Lock()
	w.deliveries = append(w.deliveries, row)
	full := len(w.deliveries) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		w.signalFlush()
	}
	return true
}

// waitForSpace back-pressures the caller while the shared buffer is at
// the cap. Space frees when a flush succeeds; the wait polls rather
// than holding the lock across the flush.
func (w *Writer) waitForSpace(ctx context.Context, table string) bool {
	for {
		w.mu.Lock()
		free := len(w.events)+len(w.deliveries) < w.config.MaxBuffered
		w.mu.Unlock()
		if free {
			return true
		}

		w.signalFlush()
		select {
		case <-ctx.Done():
			w.metrics.IncrementCounterWithLabels("eventstore.dropped", 1, map[string]string{"table": table})
			return false
		case <-w.stopCh:
			w.metrics.IncrementCounterWithLabels("eventstore.dropped", 1, map[string]string{"table": table})
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (w *Writer) signalFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.BatchAge)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flush(context.Background())
			return
		case <-w.flushCh:
			w.flush(context.Background())
		case <-ticker.C:
			w.flush(context.Background())
		}
	}
}

// flush swaps out both buffers and inserts them. A failed insert puts
// the rows back at the front so ordering within a table is preserved.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	events := w.events
	deliveries := w.deliveries
	w.events = nil
	w.deliveries = nil
	w.mu.Unlock()

	if len(events) > 0 {
		if err := w.insertRows(ctx, eventsTable, marshalRows(events)); err != nil {
			w.logger.Error("Failed to flush event rows", map[string]interface{}{
				"rows":  len(events),
				"error": err.Error(),
			})
			w.requeueEvents(events)
		} else {
			w.metrics.IncrementCounterWithLabels("eventstore.rows", float64(len(events)), map[string]string{"table": eventsTable})
		}
	}

	if len(deliveries) > 0 {
		if err := w.insertRows(ctx, deliveriesTable, marshalRows(deliveries)); err != nil {
			w.logger.Error("Failed to flush delivery rows", map[string]interface{}{
				"rows":  len(deliveries),
				"error": err.Error(),
			})
			w.requeueDeliveries(deliveries)
		} else {
			w.metrics.IncrementCounterWithLabels("eventstore.rows", float64(len(deliveries)), map[string]string{"table": deliveriesTable})
		}
	}
}

func (w *Writer) requeueEvents(rows []EventRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(rows)+len(w.events)+len(w.deliveries) > w.config.MaxBuffered {
		w.metrics.IncrementCounterWithLabels("eventstore.dropped", float64(len(rows)), map[string]string{"table": eventsTable})
		return
	}
	w.events = append(rows, w.events...)
}

func (w *Writer) requeueDeliveries(rows []DeliveryRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(rows)+len(w.events)+len(w.deliveries) > w.config.MaxBuffered {
		w.metrics.IncrementCounterWithLabels("eventstore.dropped", float64(len(rows)), map[string]string{"table": deliveriesTable})
		return
	}
	w.deliveries = append(rows, w.deliveries...)
}

// marshalRows encodes rows as newline-delimited JSON for JSONEachRow
func marshalRows[T any](rows []T) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		// Encode cannot fail for these row types
		_ = enc.Encode(row)
	}
	return buf.Bytes()
}

// insertRows posts a JSONEachRow batch, retrying transient failures with
// exponential backoff for up to the request timeout.
func (w *Writer) insertRows(ctx context.Context, table string, body []byte) error {
	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", w.config.Database, table)

	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
		defer cancel()

		u := fmt.Sprintf("%s/?query=%s", w.config.URL, url.QueryEscape(query))
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-ndjson")
		if w.config.Username != "" {
			req.Header.Set("X-ClickHouse-User", w.config.Username)
			req.Header.Set("X-ClickHouse-Key", w.config.Password)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("insert into %s returned %d: %s", table, resp.StatusCode, string(msg))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = w.config.RequestTimeout

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// Flush forces a synchronous flush of both buffers
func (w *Writer) Flush(ctx context.Context) {
	w.flush(ctx)
}

// BufferedRows returns the number of rows waiting to be flushed
func (w *Writer) BufferedRows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events) + len(w.deliveries)
}

// Close stops the flusher after a final flush
func (w *Writer) Close() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
