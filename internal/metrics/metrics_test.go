package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewMetricsNilRegistry(t *testing.T) {
	m, err := NewMetrics(nil)
	assert.NoError(t, err)
	assert.NotNil(t, m)

	// Unregistered metrics must still be safe to update.
	m.SetMQTTConnectionStatus(true)
	m.IncMessagesTotal("received")
}

func TestNewMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetricsSetConnectionStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)

	// Test setting connection status
	m.SetMQTTConnectionStatus(true)
	m.SetMQTTConnectionStatus(false)
	m.SetLeaderStatus(true)
	m.SetLeaderStatus(false)
}

func TestMetricsIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)

	// Test various counter increments
	m.IncMessagesTotal("received")
	m.IncMessagesTotal("processed")
	m.IncMessagesTotal("dropped")
	m.IncMessagesTotal("error")
	m.IncControlEventsTotal("subscribe")
	m.IncControlEventsTotal("unsubscribe")
	m.IncControlEventsTotal("unknown")
	m.IncUpdatesTotal("success")
	m.IncUpdatesTotal("not_found")
	m.IncUpdatesTotal("server_error")
	m.IncMQTTReconnects()
	m.IncCacheEvents("hit")
	m.IncCacheEvents("miss")
	m.IncStoreQueries()
	m.SetQueueDepth("control", 0)
	m.SetQueueDepth("data", 42)
	m.SetCacheEntries(7)
}

func TestMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	collector := NewMetricsCollector(m, 10*time.Millisecond)

	var calls atomic.Int32
	collector.AddSampler(func(m *Metrics) {
		m.SetQueueDepth("data", float64(calls.Add(1)))
	})

	collector.Start()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond, "sampler should run on the collection interval")

	collector.Stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "sampler must not run after Stop")
}
