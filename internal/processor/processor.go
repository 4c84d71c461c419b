package processor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/observability"
)

// Config tunes the processor service
type Config struct {
	// ChainIDs are the chains whose event streams this processor consumes
	ChainIDs []uint64

	Workers       int
	Group         string
	BatchSize     int64
	BlockTimeout  time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
	ShardCount    uint32
}

// DefaultConfig returns the standard processor tuning
func DefaultConfig() *Config {
	return &Config{
		Workers:       4,
		Group:         "processor-v1",
		BatchSize:     100,
		BlockTimeout:  5 * time.Second,
		ClaimMinIdle:  30 * time.Second,
		ClaimInterval: 15 * time.Second,
		ShardCount:    8,
	}
}

// fanoutWarnThreshold flags events whose match set suggests a filter
// misconfiguration rather than genuine fan-out
const fanoutWarnThreshold = 10000

// eventIDNamespace scopes event ids derived from the log's natural key.
// A redelivered record fans out with the same event_id, so receivers
// can dedupe on it.
var eventIDNamespace = uuid.MustParse("1e6ff4a3-9c2d-4b58-8a41-7f30cfd7a0b9")

func eventIDFor(event *domain.Event) uuid.UUID {
	return uuid.NewSHA1(eventIDNamespace, []byte(event.Identity()))
}

// Service consumes event streams through a consumer group, matches each
// event against endpoint filters, and publishes one delivery job per
// match. A record is acknowledged only after every job is published, so
// a crash mid-fanout redelivers the event rather than losing jobs.
type Service struct {
	config   *Config
	bus      *bus.Client
	matcher  *Matcher
	store    *eventstore.Writer
	logger   observability.Logger
	metrics  observability.MetricsClient
	consumer string

	workers  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService builds the processor service. store may be nil; dead
// records are then only logged and counted.
func NewService(config *Config, busClient *bus.Client, matcher *Matcher, store *eventstore.Writer, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	hostname, _ := os.Hostname()
	return &Service{
		config:   config,
		bus:      busClient,
		matcher:  matcher,
		store:    store,
		logger:   logger.WithPrefix("processor"),
		metrics:  metrics,
		consumer: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		stopCh:   make(chan struct{}),
	}
}

// Start creates the consumer groups and launches the workers
func (s *Service) Start(ctx context.Context) error {
	if len(s.config.ChainIDs) == 0 {
		return fmt.Errorf("no chains configured")
	}

	for _, chainID := range s.config.ChainIDs {
		stream := fmt.Sprintf("events:%d", chainID)
		if err := s.bus.EnsureGroup(ctx, stream, s.config.Group); err != nil {
			return err
		}

		for i := 0; i < s.config.Workers; i++ {
			s.workers.Add(1)
			go s.worker(stream, i)
		}
		s.workers.Add(1)
		go s.claimer(stream)
	}

	s.logger.Info("Processor started", map[string]interface{}{
		"chains":   len(s.config.ChainIDs),
		"workers":  s.config.Workers,
		"group":    s.config.Group,
		"consumer": s.consumer,
	})
	return nil
}

// Stop signals the workers and waits for them to drain
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.workers.Wait()
	s.logger.Info("Processor stopped", nil)
}

func (s *Service) worker(stream string, workerID int) {
	defer s.workers.Done()
	consumer := fmt.Sprintf("%s-%d", s.consumer, workerID)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.BlockTimeout+10*time.Second)
		messages, err := s.bus.Consume(ctx, stream, s.config.Group, consumer, s.config.BatchSize, s.config.BlockTimeout)
		cancel()
		if err != nil {
			s.logger.Error("Consume failed", map[string]interface{}{
				"stream": stream,
				"error":  err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}

		for _, message := range messages {
			s.processMessage(stream, message)
		}
	}
}

// claimer periodically adopts records abandoned by dead consumers
func (s *Service) claimer(stream string) {
	defer s.workers.Done()

	ticker := time.NewTicker(s.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			messages, err := s.bus.Claim(ctx, stream, s.config.Group, s.consumer+"-claimer", s.config.ClaimMinIdle, s.config.BatchSize)
			if err != nil {
				s.logger.Error("Claim failed", map[string]interface{}{
					"stream": stream,
					"error":  err.Error(),
				})
				cancel()
				continue
			}
			for _, message := range messages {
				s.processMessage(stream, message)
			}
			cancel()
		}
	}
}

// processMessage matches one event and fans out its delivery jobs.
// Undecodable records are acknowledged and dropped; redelivering them
// can never succeed.
func (s *Service) processMessage(stream string, message bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()

	event, err := domain.EventFromBusFields(message.Fields)
	if err != nil {
		s.logger.Error("Dropping undecodable event record", map[string]interface{}{
			"stream":     stream,
			"message_id": message.ID,
			"error":      err.Error(),
		})
		s.metrics.IncrementCounter("processor.decode_errors", 1)
		if s.store != nil {
			s.store.AddEvent(ctx, eventstore.DiagnosticRow(stream, message.ID, err.Error(), time.Now().Unix()))
		}
		s.ack(ctx, stream, message.ID)
		return
	}

	// Removed-log markers are archived by the ingestor; subscribers only
	// receive canonical logs, so no jobs are fanned out for them.
	if event.Removed {
		s.metrics.IncrementCounter("processor.removed_skipped", 1)
		s.ack(ctx, stream, message.ID)
		return
	}

	endpoints, err := s.matcher.Match(ctx, event)
	if err != nil {
		// Store failure is transient; leave the record pending for redelivery
		s.logger.Error("Endpoint match failed", map[string]interface{}{
			"event": event.Identity(),
			"error": err.Error(),
		})
		s.metrics.IncrementCounter("processor.match_errors", 1)
		return
	}

	if len(endpoints) > fanoutWarnThreshold {
		s.logger.Warn("Unusually large fan-out", map[string]interface{}{
			"event":     event.Identity(),
			"endpoints": len(endpoints),
		})
	}

	if len(endpoints) == 0 {
		s.ack(ctx, stream, message.ID)
		return
	}

	eventID := eventIDFor(event)
	now := time.Now().Unix()

	for _, endpoint := range endpoints {
		job := &domain.DeliveryJob{
			JobID:              uuid.New(),
			EventID:            eventID,
			EndpointID:         endpoint.ID,
			ApplicationID:      endpoint.ApplicationID,
			URL:                endpoint.WebhookURL,
			HMACSecret:         endpoint.HMACSecret,
			Event:              *event,
			Attempt:            1,
			MaxRetries:         endpoint.MaxRetries,
			NotBefore:          now,
			TimeoutSeconds:     endpoint.TimeoutSeconds,
			RateLimitPerSecond: endpoint.RateLimitPerSecond,
		}

		fields, err := job.BusFields()
		if err != nil {
			s.logger.Error("Failed to serialize delivery job", map[string]interface{}{
				"endpoint_id": endpoint.ID.String(),
				"error":       err.Error(),
			})
			return
		}

		shard := ShardFor(endpoint.ID, s.config.ShardCount)
		if _, err := s.bus.Publish(ctx, domain.ShardStream(shard), fields); err != nil {
			// Leave unacked; the whole fan-out is redone on redelivery and
			// duplicate jobs are tolerated downstream
			s.logger.Error("Failed to publish delivery job", map[string]interface{}{
				"endpoint_id": endpoint.ID.String(),
				"shard":       shard,
				"error":       err.Error(),
			})
			s.metrics.IncrementCounter("processor.publish_errors", 1)
			return
		}
	}

	s.ack(ctx, stream, message.ID)
	s.metrics.IncrementCounter("processor.events_processed", 1)
	s.metrics.IncrementCounter("processor.jobs_published", float64(len(endpoints)))
	s.metrics.RecordDuration("processor.process_time", time.Since(start))
}

func (s *Service) ack(ctx context.Context, stream, messageID string) {
	if err := s.bus.Ack(ctx, stream, s.config.Group, messageID); err != nil {
		s.logger.Error("Failed to ack message", map[string]interface{}{
			"stream":     stream,
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
}
