package ingestor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	pkgbackoff "github.com/ethhook/ethhook/pkg/backoff"
	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/observability"
)

// State is the worker's connection state, exposed for stats
type State string

const (
	StateConnecting State = "connecting"
	StateBackoff    State = "backoff"
	StateStreaming  State = "streaming"
	// StateDegraded means the subscription is healthy but the bus is
	// not accepting publishes; events are buffered in memory
	StateDegraded State = "degraded"
)

// Config tunes one chain worker
type Config struct {
	ChainName string
	ChainID   uint64
	WSURL     string
	HTTPURL   string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReadTimeout        time.Duration
	PublishRetryWindow time.Duration
	DegradedBufferSize int
	// DrainInterval paces the background drain of the degraded buffer,
	// so recovery does not depend on inbound frames
	DrainInterval    time.Duration
	BackfillLookback uint64
	DedupCacheSize   int
	DedupTTL         time.Duration
	StreamMaxLen     int64
}

// errBufferFull ends the stream when the degraded buffer is at capacity.
// The worker drops the subscription and reconnects later, accepting a
// gap instead of unbounded memory growth.
var errBufferFull = errors.New("degraded buffer full")

// Worker ingests one chain: it maintains the subscription, dedups, and
// publishes events to the chain's stream.
type Worker struct {
	config  Config
	bus     *bus.Client
	store   *eventstore.Writer
	deduper *Deduper
	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.Mutex
	state     State
	lastBlock uint64
	buffer    []*domain.Event
	dropped   int64

	// flushMu serializes buffer drains across the frame loop and the
	// drain ticker
	flushMu sync.Mutex

	// headTimes maps recent block numbers to their timestamps so log
	// events can carry the block time. Heads arrive before their logs.
	headTimes  map[uint64]int64
	latestTime int64

	published int64
}

// headTimesCap bounds the block-time map; reorg depth never approaches it
const headTimesCap = 256

// NewWorker builds a worker for one chain
func NewWorker(config Config, busClient *bus.Client, store *eventstore.Writer, redisClient redis.UniversalClient, logger observability.Logger, metrics observability.MetricsClient) (*Worker, error) {
	deduper, err := NewDeduper(redisClient, config.DedupCacheSize, config.DedupTTL, logger, metrics)
	if err != nil {
		return nil, err
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = time.Second
	}
	return &Worker{
		config:    config,
		bus:       busClient,
		store:     store,
		deduper:   deduper,
		logger:    logger.WithPrefix("ingestor." + config.ChainName),
		metrics:   metrics,
		state:     StateConnecting,
		headTimes: make(map[uint64]int64),
	}, nil
}

// State returns the worker's current connection state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()

	if prev != s {
		w.logger.Info("State change", map[string]interface{}{
			"from": string(prev),
			"to":   string(s),
		})
		w.metrics.IncrementCounterWithLabels("ingestor.state_change", 1, map[string]string{
			"chain": w.config.ChainName,
			"to":    string(s),
		})
	}
}

// Run connects and streams until ctx is cancelled, reconnecting with
// full-jitter backoff on any connection failure.
func (w *Worker) Run(ctx context.Context) {
	backfill := NewBackfillClient(w.config.HTTPURL, w.config.ChainID)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		w.setState(StateConnecting)

		client, err := Dial(ctx, w.config.WSURL, w.config.ChainID, w.config.ReadTimeout, w.logger, w.metrics)
		if err != nil {
			w.logger.Warn("Connect failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if !w.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		w.logger.Info("Subscribed", map[string]interface{}{
			"chain_id": w.config.ChainID,
		})

		if err := w.backfill(ctx, backfill); err != nil {
			w.logger.Warn("Backfill failed", map[string]interface{}{
				"error": err.Error(),
			})
		}

		streamErr := w.stream(ctx, client)
		_ = client.Close()

		if ctx.Err() != nil {
			return
		}

		// A connection that streamed for a while earned a fresh backoff
		attempt = 0
		w.logger.Warn("Stream ended, reconnecting", map[string]interface{}{
			"error": streamErr.Error(),
		})
		if !w.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (w *Worker) sleepBackoff(ctx context.Context, attempt int) bool {
	w.setState(StateBackoff)
	delay := pkgbackoff.FullJitterDelay(attempt, w.config.ReconnectBaseDelay, w.config.ReconnectMaxDelay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// backfill replays logs missed while disconnected. The lookback overlap
// re-fetches blocks around the last seen height; dedup drops the overlap.
func (w *Worker) backfill(ctx context.Context, client *BackfillClient) error {
	w.mu.Lock()
	lastBlock := w.lastBlock
	w.mu.Unlock()

	if !client.Enabled() || lastBlock == 0 {
		return nil
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}

	from := uint64(0)
	if lastBlock > w.config.BackfillLookback {
		from = lastBlock - w.config.BackfillLookback
	}
	if from > head {
		return nil
	}

	events, err := client.Logs(ctx, from, head)
	if err != nil {
		return err
	}

	w.logger.Info("Backfill fetched", map[string]interface{}{
		"from": from,
		"to":   head,
		"logs": len(events),
	})

	for _, event := range events {
		if err := w.handleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// stream drains frames until the connection fails or the degraded
// buffer overflows
func (w *Worker) stream(ctx context.Context, client *Client) error {
	w.setState(StateStreaming)

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	go w.drainLoop(drainCtx)

	for {
		frame, err := client.Next(ctx)
		if err != nil {
			return err
		}

		switch {
		case frame.Head != nil:
			w.handleHead(frame.Head)
		case frame.Log != nil:
			if err := w.handleEvent(ctx, frame.Log); err != nil {
				return err
			}
		}
	}
}

// drainLoop retries the degraded buffer on a timer. A quiet chain must
// still recover once the bus comes back, so drainage cannot depend on
// inbound frames.
func (w *Worker) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushBuffer(ctx)
		}
	}
}

func (w *Worker) handleHead(head *BlockHead) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if head.Number > w.lastBlock {
		w.lastBlock = head.Number
	}
	w.latestTime = head.Timestamp
	w.headTimes[head.Number] = head.Timestamp
	if len(w.headTimes) > headTimesCap && head.Number > headTimesCap {
		cutoff := head.Number - headTimesCap
		for n := range w.headTimes {
			if n < cutoff {
				delete(w.headTimes, n)
			}
		}
	}

	w.metrics.RecordGauge("ingestor.head_block", float64(head.Number), map[string]string{
		"chain": w.config.ChainName,
	})
}

// handleEvent stamps, dedups, archives, and publishes one event.
// Removed-log markers bypass dedup: they share identity with the event
// they reverse and must reach subscribers. Returns errBufferFull when
// the degraded buffer cannot absorb the event.
func (w *Worker) handleEvent(ctx context.Context, event *domain.Event) error {
	w.stampTimestamp(event)

	if !event.Removed && w.deduper.Seen(ctx, event.Identity(), time.Now()) {
		return nil
	}
	if event.Removed {
		w.metrics.IncrementCounterWithLabels("ingestor.reorg_events", 1, map[string]string{
			"chain": w.config.ChainName,
		})
	}

	if w.store != nil {
		w.store.AddEvent(ctx, eventstore.EventRowFrom(event, time.Now().Unix()))
	}

	w.mu.Lock()
	if event.BlockNumber > w.lastBlock {
		w.lastBlock = event.BlockNumber
	}
	degraded := len(w.buffer) > 0
	w.mu.Unlock()

	if degraded {
		if !w.bufferEvent(event) {
			return errBufferFull
		}
		w.flushBuffer(ctx)
		return nil
	}

	if err := w.publish(ctx, event); err != nil {
		w.logger.Error("Publish failed, buffering", map[string]interface{}{
			"error": err.Error(),
		})
		if !w.bufferEvent(event) {
			return errBufferFull
		}
		w.setState(StateDegraded)
	}
	return nil
}

func (w *Worker) stampTimestamp(event *domain.Event) {
	w.mu.Lock()
	ts, ok := w.headTimes[event.BlockNumber]
	if !ok {
		ts = w.latestTime
	}
	w.mu.Unlock()

	if ts == 0 {
		ts = time.Now().Unix()
	}
	event.Timestamp = ts
}

// publish writes the event to its chain stream, retrying transient bus
// failures within the retry window.
func (w *Worker) publish(ctx context.Context, event *domain.Event) error {
	fields, err := event.BusFields()
	if err != nil {
		return err
	}
	stream := event.StreamName()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = w.config.PublishRetryWindow

	err = backoff.Retry(func() error {
		_, err := w.bus.Publish(ctx, stream, fields)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.published++
	count := w.published
	w.mu.Unlock()

	w.metrics.IncrementCounterWithLabels("ingestor.events_published", 1, map[string]string{
		"chain": w.config.ChainName,
	})
	if w.config.StreamMaxLen > 0 && count%1000 == 0 {
		_ = w.bus.Trim(ctx, stream, w.config.StreamMaxLen)
	}
	return nil
}

// bufferEvent appends to the degraded buffer. Returns false at capacity:
// the caller tears down the subscription rather than growing the buffer
// without bound. The event that did not fit is counted as dropped.
func (w *Worker) bufferEvent(event *domain.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffer) >= w.config.DegradedBufferSize {
		w.dropped++
		w.metrics.IncrementCounterWithLabels("ingestor.events_dropped", 1, map[string]string{
			"chain": w.config.ChainName,
		})
		return false
	}
	w.buffer = append(w.buffer, event)
	return true
}

// flushBuffer attempts to drain the degraded buffer in order, stopping
// at the first publish failure. Only one drain runs at a time; the
// frame loop and the drain ticker both call this.
func (w *Worker) flushBuffer(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		w.mu.Lock()
		if len(w.buffer) == 0 {
			w.mu.Unlock()
			if w.State() == StateDegraded {
				w.setState(StateStreaming)
			}
			return
		}
		event := w.buffer[0]
		w.mu.Unlock()

		fields, err := event.BusFields()
		if err == nil {
			_, err = w.bus.Publish(ctx, event.StreamName(), fields)
		}
		if err != nil {
			return
		}

		w.mu.Lock()
		w.buffer = w.buffer[1:]
		w.published++
		w.mu.Unlock()
		w.metrics.IncrementCounterWithLabels("ingestor.events_published", 1, map[string]string{
			"chain": w.config.ChainName,
		})
	}
}

// BufferedEvents returns the degraded buffer depth. Observability only.
func (w *Worker) BufferedEvents() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}
