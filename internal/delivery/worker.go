package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ethhook/ethhook/pkg/backoff"
	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/configstore"
	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/observability"
	"github.com/ethhook/ethhook/pkg/resilience"
)

// EndpointChecker revalidates an endpoint before each send. Jobs carry
// endpoint settings from fan-out time; deactivated or deleted endpoints
// must stop receiving immediately.
type EndpointChecker interface {
	EndpointActive(ctx context.Context, endpointID uuid.UUID) (bool, error)
}

// Config tunes the delivery service
type Config struct {
	ShardCount    uint32
	Workers       int
	Group         string
	BatchSize     int64
	BlockTimeout  time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration

	RequestTimeout time.Duration
	// MaxRetries applies when the endpoint has no per-endpoint override
	MaxRetries int
}

// DefaultConfig returns the standard delivery tuning
func DefaultConfig() *Config {
	return &Config{
		ShardCount:     8,
		Workers:        8,
		Group:          "delivery-v1",
		BatchSize:      50,
		BlockTimeout:   5 * time.Second,
		ClaimMinIdle:   30 * time.Second,
		ClaimInterval:  15 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     5,
	}
}

// deferGrace is how far in the future a job must be before it is
// re-emitted instead of waited out inline
const deferGrace = 250 * time.Millisecond

// Service consumes the delivery shards through a consumer group and
// executes delivery jobs. Retries are not waited out in-process: a
// transient failure re-emits the job with an increased attempt and a
// not_before in the future, then acknowledges the original record.
type Service struct {
	config   *Config
	bus      *bus.Client
	sender   *Sender
	checker  EndpointChecker
	breakers *resilience.BreakerManager
	policy   *backoff.Policy
	store    *eventstore.Writer
	logger   observability.Logger
	metrics  observability.MetricsClient
	consumer string

	// limiters enforce per-endpoint rate limits client-side
	limMu    sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter

	workers  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService builds the delivery service
func NewService(config *Config, busClient *bus.Client, sender *Sender, checker EndpointChecker, breakers *resilience.BreakerManager, store *eventstore.Writer, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	hostname, _ := os.Hostname()
	return &Service{
		config:   config,
		bus:      busClient,
		sender:   sender,
		checker:  checker,
		breakers: breakers,
		policy:   backoff.DefaultPolicy(),
		store:    store,
		logger:   logger.WithPrefix("delivery"),
		metrics:  metrics,
		consumer: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		limiters: make(map[uuid.UUID]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
}

// Start creates the consumer groups and launches workers for every shard
func (s *Service) Start(ctx context.Context) error {
	if s.config.ShardCount == 0 {
		return fmt.Errorf("shard count must be positive")
	}

	workersPerShard := s.config.Workers / int(s.config.ShardCount)
	if workersPerShard < 1 {
		workersPerShard = 1
	}

	for shard := uint32(0); shard < s.config.ShardCount; shard++ {
		stream := domain.ShardStream(shard)
		if err := s.bus.EnsureGroup(ctx, stream, s.config.Group); err != nil {
			return err
		}

		for i := 0; i < workersPerShard; i++ {
			s.workers.Add(1)
			go s.worker(stream, i)
		}
		s.workers.Add(1)
		go s.claimer(stream)
	}

	s.logger.Info("Delivery service started", map[string]interface{}{
		"shards":   s.config.ShardCount,
		"group":    s.config.Group,
		"consumer": s.consumer,
	})
	return nil
}

// Stop signals the workers and waits for them to drain
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.workers.Wait()
	s.logger.Info("Delivery service stopped", nil)
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

func (s *Service) processMessage(stream string, message bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	job, err := domain.JobFromBusFields(message.Fields)
	if err != nil {
		s.logger.Error("Dropping undecodable delivery job", map[string]interface{}{
			"stream":     stream,
			"message_id": message.ID,
			"error":      err.Error(),
		})
		s.metrics.IncrementCounter("delivery.decode_errors", 1)
		s.ack(ctx, stream, message.ID)
		return
	}

	// Scheduled for later: short waits are absorbed inline, longer ones
	// go back to the end of the stream
	if wait := time.Until(job.NotBeforeTime()); wait > 0 {
		if wait <= deferGrace {
			time.Sleep(wait)
		} else {
			s.requeue(ctx, stream, message.ID, job)
			return
		}
	}

	if !s.endpointStillActive(ctx, job) {
		s.record(ctx, job, &Result{
			Outcome:      OutcomePermanent,
			ErrorKind:    domain.ErrorKindEndpoint,
			ErrorMessage: "endpoint inactive or deleted",
		}, nil)
		s.metrics.IncrementCounter("delivery.dropped_inactive", 1)
		s.ack(ctx, stream, message.ID)
		return
	}

	// Open circuit: park the job until the cooldown elapses
	if allowed, reopenAt := s.breakers.Allow(job.EndpointID); !allowed {
		job.NotBefore = reopenAt.Unix()
		s.metrics.IncrementCounter("delivery.breaker_deferred", 1)
		s.requeue(ctx, stream, message.ID, job)
		return
	}

	if limiter := s.limiter(job); limiter != nil && !limiter.Allow() {
		job.NotBefore = time.Now().Add(time.Second).Unix()
		s.metrics.IncrementCounter("delivery.rate_deferred", 1)
		s.requeue(ctx, stream, message.ID, job)
		return
	}

	result := s.sender.Send(ctx, job)

	// Only transport health feeds the breaker: transient outcomes count
	// against it, success resets it. A permanent rejection means the
	// receiver answered, so it touches neither counter.
	switch result.Outcome {
	case OutcomeSuccess:
		s.breakers.RecordSuccess(job.EndpointID)
	case OutcomeTransient:
		s.breakers.RecordFailure(job.EndpointID)
	}

	switch result.Outcome {
	case OutcomeSuccess:
		s.record(ctx, job, result, nil)
		s.metrics.IncrementCounter("delivery.success", 1)
		s.metrics.RecordDuration("delivery.latency", result.Latency)
		s.ack(ctx, stream, message.ID)

	case OutcomePermanent:
		s.logger.Warn("Permanent delivery failure", map[string]interface{}{
			"endpoint_id": job.EndpointID.String(),
			"status":      result.StatusCode,
			"attempt":     job.Attempt,
		})
		s.record(ctx, job, result, nil)
		s.metrics.IncrementCounter("delivery.permanent_failure", 1)
		s.ack(ctx, stream, message.ID)

	case OutcomeTransient:
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.config.MaxRetries
		}

		if job.Attempt >= maxRetries {
			result.ErrorKind = domain.ErrorKindExhausted
			s.logger.Error("Delivery retries exhausted", map[string]interface{}{
				"endpoint_id": job.EndpointID.String(),
				"job_id":      job.JobID.String(),
				"attempts":    job.Attempt,
			})
			s.record(ctx, job, result, nil)
			s.metrics.IncrementCounter("delivery.exhausted", 1)
			s.ack(ctx, stream, message.ID)
			return
		}

		next := time.Now().Add(s.policy.Delay(job.Attempt))
		s.record(ctx, job, result, &next)
		s.metrics.IncrementCounter("delivery.retry_scheduled", 1)

		job.Attempt++
		job.NotBefore = next.Unix()
		s.requeue(ctx, stream, message.ID, job)
	}
}

// endpointStillActive revalidates the endpoint. A store outage does not
// block delivery; the job's embedded settings are trusted until the
// store answers again.
func (s *Service) endpointStillActive(ctx context.Context, job *domain.DeliveryJob) bool {
	active, err := s.checker.EndpointActive(ctx, job.EndpointID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return false
		}
		s.logger.Warn("Endpoint revalidation failed, proceeding", map[string]interface{}{
			"endpoint_id": job.EndpointID.String(),
			"error":       err.Error(),
		})
		return true
	}
	return active
}

// limiter returns the endpoint's rate limiter, or nil when unlimited.
// The limiter tracks the job's configured rate across updates.
func (s *Service) limiter(job *domain.DeliveryJob) *rate.Limiter {
	if job.RateLimitPerSecond <= 0 {
		return nil
	}

	s.limMu.Lock()
	defer s.limMu.Unlock()

	limit := rate.Limit(job.RateLimitPerSecond)
	l, ok := s.limiters[job.EndpointID]
	if !ok {
		l = rate.NewLimiter(limit, job.RateLimitPerSecond)
		s.limiters[job.EndpointID] = l
	} else if l.Limit() != limit {
		l.SetLimit(limit)
		l.SetBurst(job.RateLimitPerSecond)
	}
	return l
}

// requeue re-emits the job onto its stream and acknowledges the original
// record. Publish before ack: a crash between the two duplicates the job,
// which downstream tolerates, while the reverse order would lose it.
func (s *Service) requeue(ctx context.Context, stream, messageID string, job *domain.DeliveryJob) {
	fields, err := job.BusFields()
	if err != nil {
		s.logger.Error("Failed to serialize requeued job", map[string]interface{}{
			"job_id": job.JobID.String(),
			"error":  err.Error(),
		})
		return
	}
	if _, err := s.bus.Publish(ctx, stream, fields); err != nil {
		// Leave unacked; the claimer redelivers it later
		s.logger.Error("Failed to requeue job", map[string]interface{}{
			"job_id": job.JobID.String(),
			"error":  err.Error(),
		})
		return
	}
	s.ack(ctx, stream, messageID)
}

// record appends the attempt outcome to the event store
func (s *Service) record(ctx context.Context, job *domain.DeliveryJob, result *Result, nextRetry *time.Time) {
	if s.store == nil {
		return
	}
	rec := &domain.DeliveryRecord{
		ID:           uuid.New(),
		JobID:        job.JobID,
		EventID:      job.EventID,
		EndpointID:   job.EndpointID,
		Attempt:      job.Attempt,
		HTTPStatus:   result.StatusCode,
		LatencyMS:    result.Latency.Milliseconds(),
		ErrorKind:    result.ErrorKind,
		ErrorMessage: result.ErrorMessage,
		ResponseBody: result.ResponseBody,
		Success:      result.Outcome == OutcomeSuccess,
		FinalizedAt:  time.Now(),
		NextRetryAt:  nextRetry,
	}
	s.store.AddDelivery(ctx, eventstore.DeliveryRowFrom(rec))
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
