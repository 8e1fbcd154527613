package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Collector tracks gateway-wide operational counters. Counters are
// incremented from worker goroutines and read by the status endpoint and
// the periodic operational log.
type Collector struct {
	StartTime         time.Time
	EventsReceived    uint64
	EventsProcessed   uint64
	ControlProcessed  uint64
	UpdatesDispatched uint64
	EventsDropped     uint64
	Errors            uint64

	lastUpdate int64 // unix nanoseconds
}

// NewCollector creates a new stats collector
func NewCollector() *Collector {
	now := time.Now()
	return &Collector{
		StartTime:  now,
		lastUpdate: now.UnixNano(),
	}
}

func (s *Collector) touch() {
	atomic.StoreInt64(&s.lastUpdate, time.Now().UnixNano())
}

// IncReceived counts an inbound data event
func (s *Collector) IncReceived() {
	atomic.AddUint64(&s.EventsReceived, 1)
	s.touch()
}

// IncProcessed counts a fully handled data event
func (s *Collector) IncProcessed() {
	atomic.AddUint64(&s.EventsProcessed, 1)
	s.touch()
}

// IncControl counts a handled control event
func (s *Collector) IncControl() {
	atomic.AddUint64(&s.ControlProcessed, 1)
	s.touch()
}

// IncUpdates counts a successful Context Broker update
func (s *Collector) IncUpdates() {
	atomic.AddUint64(&s.UpdatesDispatched, 1)
	s.touch()
}

// IncDropped counts an event dropped before processing
func (s *Collector) IncDropped() {
	atomic.AddUint64(&s.EventsDropped, 1)
	s.touch()
}

// IncErrors counts a processing error
func (s *Collector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
	s.touch()
}

// Snapshot returns current statistics
func (s *Collector) Snapshot() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":             uptime.String(),
		"events_received":    atomic.LoadUint64(&s.EventsReceived),
		"events_processed":   atomic.LoadUint64(&s.EventsProcessed),
		"control_processed":  atomic.LoadUint64(&s.ControlProcessed),
		"updates_dispatched": atomic.LoadUint64(&s.UpdatesDispatched),
		"events_dropped":     atomic.LoadUint64(&s.EventsDropped),
		"errors":             atomic.LoadUint64(&s.Errors),
		"rate_per_second":    s.Rate(),
		"last_update":        time.Unix(0, atomic.LoadInt64(&s.lastUpdate)),
	}
}

// SnapshotJSON returns stats as JSON
func (s *Collector) SnapshotJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Rate calculates the processed-events rate since start
func (s *Collector) Rate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.EventsProcessed)) / uptime
}
