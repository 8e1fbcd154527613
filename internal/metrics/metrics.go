package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instrumentation. All hot-path
// callers go through nil-safe helper methods so metrics can be disabled
// entirely by configuration.
type Metrics struct {
	mqttConnectionStatus prometheus.Gauge
	mqttReconnects       prometheus.Counter
	leaderStatus         prometheus.Gauge
	messagesTotal        *prometheus.CounterVec
	controlEventsTotal   *prometheus.CounterVec
	updatesTotal         *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	cacheEventsTotal     *prometheus.CounterVec
	cacheEntries         prometheus.Gauge
	storeQueriesTotal    prometheus.Counter
}

// NewMetrics creates the metric set and registers it on reg. A nil registry
// is accepted for tests and for disabled-metrics construction; the metrics
// then exist but are not exported.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "mqtt_connection_status",
			Help:      "Whether the MQTT connection is currently up (1) or down (0)",
		}),
		mqttReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "mqtt_reconnects_total",
			Help:      "Number of MQTT reconnections since start",
		}),
		leaderStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "leader_status",
			Help:      "Whether this instance currently holds the leadership lease",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_total",
			Help:      "Data events by state (received, processed, dropped, error)",
		}, []string{"state"}),
		controlEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "control_events_total",
			Help:      "Control events by operation (subscribe, unsubscribe, unknown)",
		}, []string{"op"}),
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "updates_total",
			Help:      "Context Broker attribute updates by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "queue_depth",
			Help:      "Pending events per priority band",
		}, []string{"band"}),
		cacheEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_events_total",
			Help:      "Rule cache activity (hit, miss, load, evict)",
		}, []string{"event"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "cache_entries",
			Help:      "Topics currently held by the rule cache",
		}),
		storeQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "store_queries_total",
			Help:      "Queries issued against the datapoint store",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.mqttConnectionStatus,
			m.mqttReconnects,
			m.leaderStatus,
			m.messagesTotal,
			m.controlEventsTotal,
			m.updatesTotal,
			m.queueDepth,
			m.cacheEventsTotal,
			m.cacheEntries,
			m.storeQueriesTotal,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register collector: %w", err)
			}
		}
	}

	return m, nil
}

// SetMQTTConnectionStatus records whether the MQTT connection is up
func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

// IncMQTTReconnects counts an MQTT reconnection
func (m *Metrics) IncMQTTReconnects() {
	m.mqttReconnects.Inc()
}

// SetLeaderStatus records whether this instance is the leader
func (m *Metrics) SetLeaderStatus(leading bool) {
	if leading {
		m.leaderStatus.Set(1)
	} else {
		m.leaderStatus.Set(0)
	}
}

// IncMessagesTotal counts a data event in the given state
func (m *Metrics) IncMessagesTotal(state string) {
	m.messagesTotal.WithLabelValues(state).Inc()
}

// IncControlEventsTotal counts a control event for the given operation
func (m *Metrics) IncControlEventsTotal(op string) {
	m.controlEventsTotal.WithLabelValues(op).Inc()
}

// IncUpdatesTotal counts a Context Broker update with the given result
func (m *Metrics) IncUpdatesTotal(result string) {
	m.updatesTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the pending events for a priority band
func (m *Metrics) SetQueueDepth(band string, depth float64) {
	m.queueDepth.WithLabelValues(band).Set(depth)
}

// IncCacheEvents counts a rule cache event
func (m *Metrics) IncCacheEvents(event string) {
	m.cacheEventsTotal.WithLabelValues(event).Inc()
}

// SetCacheEntries records the current rule cache size
func (m *Metrics) SetCacheEntries(entries float64) {
	m.cacheEntries.Set(entries)
}

// IncStoreQueries counts a datapoint store query
func (m *Metrics) IncStoreQueries() {
	m.storeQueriesTotal.Inc()
}

// MetricsCollector periodically samples gauges that are cheaper to poll
// than to push, such as queue depths and cache size.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration

	mu       sync.Mutex
	samplers []func(*Metrics)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a collector that fires every interval once
// started.
func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// AddSampler registers a function invoked on every collection tick.
func (c *MetricsCollector) AddSampler(fn func(*Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplers = append(c.samplers, fn)
}

// Start launches the collection loop.
func (c *MetricsCollector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the collection loop and waits for it to exit.
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *MetricsCollector) collect() {
	c.mu.Lock()
	samplers := make([]func(*Metrics), len(c.samplers))
	copy(samplers, c.samplers)
	c.mu.Unlock()

	for _, fn := range samplers {
		fn(c.metrics)
	}
}
