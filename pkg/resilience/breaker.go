// Package resilience provides per-endpoint circuit breakers for webhook
// delivery. A destination that fails repeatedly is cut off for a cooldown
// instead of burning retry budget against a dead host.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ethhook/ethhook/pkg/observability"
)

// BreakerConfig tunes the per-endpoint circuit breakers
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// Cooldown is how long an open circuit rejects before probing
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenRequests bounds concurrent probes in half-open state; the
	// circuit closes after this many consecutive probe successes
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// DefaultBreakerConfig returns the standard delivery breaker tuning
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// BreakerManager lazily creates one circuit breaker per endpoint
type BreakerManager struct {
	config  *BreakerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.RWMutex
	breakers map[uuid.UUID]*endpointBreaker
}

type endpointBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

// NewBreakerManager creates an empty breaker manager
func NewBreakerManager(config *BreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *BreakerManager {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerManager{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[uuid.UUID]*endpointBreaker),
	}
}

// get returns the breaker for an endpoint, creating it on first use
func (m *BreakerManager) get(endpointID uuid.UUID) *endpointBreaker {
	m.mu.RLock()
	eb, exists := m.breakers[endpointID]
	m.mu.RUnlock()
	if exists {
		return eb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if eb, exists = m.breakers[endpointID]; exists {
		return eb
	}

	eb = &endpointBreaker{}
	threshold := m.config.FailureThreshold
	eb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpointID.String(),
		MaxRequests: m.config.HalfOpenRequests,
		Timeout:     m.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				eb.mu.Lock()
				eb.openedAt = time.Now()
				eb.mu.Unlock()
			}
			m.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"endpoint_id": name,
				"from":        from.String(),
				"to":          to.String(),
			})
			m.metrics.IncrementCounterWithLabels("delivery.breaker.transition", 1, map[string]string{
				"to": to.String(),
			})
		},
	})

	m.breakers[endpointID] = eb
	return eb
}

// Allow reports whether the endpoint's circuit admits a request. When the
// circuit is open it also returns the time at which probing resumes, so
// callers can defer work until then instead of polling.
func (m *BreakerManager) Allow(endpointID uuid.UUID) (bool, time.Time) {
	eb := m.get(endpointID)
	if eb.cb.State() != gobreaker.StateOpen {
		return true, time.Time{}
	}

	eb.mu.Lock()
	openedAt := eb.openedAt
	eb.mu.Unlock()
	return false, openedAt.Add(m.config.Cooldown)
}

// Execute runs fn through the endpoint's breaker. A returned error counts
// as a failure toward the trip threshold; gobreaker.ErrOpenState and
// gobreaker.ErrTooManyRequests indicate the request was rejected without
// running fn.
func (m *BreakerManager) Execute(endpointID uuid.UUID, fn func() error) error {
	eb := m.get(endpointID)
	_, err := eb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

var errRecordedFailure = errors.New("recorded failure")

// RecordSuccess counts a successful call, resetting the endpoint's
// consecutive-failure streak.
func (m *BreakerManager) RecordSuccess(endpointID uuid.UUID) {
	_ = m.Execute(endpointID, func() error { return nil })
}

// RecordFailure counts one failure toward the endpoint's trip
// threshold. Outcomes that should not touch the breaker at all, such as
// a receiver rejecting the request, simply record nothing.
func (m *BreakerManager) RecordFailure(endpointID uuid.UUID) {
	_ = m.Execute(endpointID, func() error { return errRecordedFailure })
}

// State returns the current breaker state for an endpoint
func (m *BreakerManager) State(endpointID uuid.UUID) gobreaker.State {
	return m.get(endpointID).cb.State()
}

// Forget drops the breaker for an endpoint, e.g. after deletion
func (m *BreakerManager) Forget(endpointID uuid.UUID) {
	m.mu.Lock()
	delete(m.breakers, endpointID)
	m.mu.Unlock()
}

// Len returns the number of tracked breakers. Observability only.
func (m *BreakerManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakers)
}
