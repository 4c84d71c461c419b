package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// metricsClient is an in-memory metrics implementation. Counters and gauges
// are kept per name+labels so periodic reporters and tests can read them
// back; there is no external scrape surface in the pipeline processes.
type metricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &metricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]time.Duration),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge records a gauge value
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordDuration records a duration metric
func (m *metricsClient) RecordDuration(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name] = append(m.timings[name], duration)
}

// CounterValue returns the current value of a counter, for reporters and tests
func (m *metricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[metricKey(name, labels)]
}

// Close releases resources held by the client
func (m *metricsClient) Close() error {
	return nil
}
