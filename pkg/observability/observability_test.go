package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsClient().(*metricsClient)

	m.IncrementCounter("events", 1)
	m.IncrementCounter("events", 2)
	assert.Equal(t, float64(3), m.CounterValue("events", nil))

	m.IncrementCounterWithLabels("events", 1, map[string]string{"chain": "ethereum"})
	assert.Equal(t, float64(1), m.CounterValue("events", map[string]string{"chain": "ethereum"}))
	assert.Equal(t, float64(3), m.CounterValue("events", nil), "labeled series is separate")

	assert.Equal(t, float64(0), m.CounterValue("missing", nil))
	require.NoError(t, m.Close())
}

func TestMetricKeyLabelOrderIsStable(t *testing.T) {
	a := metricKey("m", map[string]string{"x": "1", "y": "2"})
	b := metricKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestMetricsGaugesAndDurations(t *testing.T) {
	m := NewMetricsClient().(*metricsClient)

	m.RecordGauge("depth", 42, nil)
	m.RecordGauge("depth", 7, nil)
	assert.Equal(t, float64(7), m.gauges["depth"], "gauges overwrite")

	m.RecordDuration("latency", 10*time.Millisecond)
	m.RecordDuration("latency", 20*time.Millisecond)
	assert.Len(t, m.timings["latency"], 2)
}

func TestLoggerLevelFiltering(t *testing.T) {
	l := NewStandardLoggerWithLevel("test", "warn").(*StandardLogger)

	assert.False(t, l.levelEnabled(LogLevelDebug))
	assert.False(t, l.levelEnabled(LogLevelInfo))
	assert.True(t, l.levelEnabled(LogLevelWarn))
	assert.True(t, l.levelEnabled(LogLevelError))

	// Unknown levels fall back to INFO
	l = NewStandardLoggerWithLevel("test", "nonsense").(*StandardLogger)
	assert.True(t, l.levelEnabled(LogLevelInfo))
	assert.False(t, l.levelEnabled(LogLevelDebug))
}

func TestLoggerFieldFormatting(t *testing.T) {
	l := NewStandardLogger("test").(*StandardLogger)

	out := l.formatFields(map[string]interface{}{"b": 2, "a": "x"})
	assert.Equal(t, " a=x b=2", out, "keys sorted for stable output")
	assert.Empty(t, l.formatFields(nil))
}

func TestWithPrefixKeepsLevel(t *testing.T) {
	l := NewStandardLoggerWithLevel("root", "debug").WithPrefix("child").(*StandardLogger)
	assert.True(t, l.levelEnabled(LogLevelDebug))
	assert.Equal(t, "child", l.prefix)
}
