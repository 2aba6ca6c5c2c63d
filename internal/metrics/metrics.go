package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known metric names used across the service.
const (
	CounterEventsAppended       = "events_appended"
	CounterEventsPublished      = "events_published"
	CounterPublishFailures      = "publish_failures"
	CounterEventsProcessed      = "events_processed"
	CounterDuplicatesSkipped    = "duplicates_skipped"
	CounterRetriesScheduled     = "retries_scheduled"
	CounterDeadLetters          = "dead_letters"
	CounterSagasStarted         = "sagas_started"
	CounterSagasPaid            = "sagas_paid"
	CounterSagasFailed          = "sagas_failed"
	CounterCompensationFailures = "compensation_failures"
	GaugeOutboxBacklog          = "outbox_backlog"
	GaugeDeadLetterTotal        = "dead_letter_total"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timerState struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is the main metrics collector
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	gauges    map[string]*int64
	timers    map[string]*timerState
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		timers:    make(map[string]*timerState),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by one
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by a given value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(m.counter(name), value)
}

// SetGauge sets a gauge to a point-in-time value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.gauge(name), value)
}

// RecordTimer records a duration measurement
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timerState{minTimeMs: durationMs, maxTimeMs: durationMs}
		m.timers[name] = t
	}

	t.count++
	t.totalTimeMs += durationMs
	if durationMs < t.minTimeMs {
		t.minTimeMs = durationMs
	}
	if durationMs > t.maxTimeMs {
		t.maxTimeMs = durationMs
	}
}

// GetCounters returns a snapshot of all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

// GetGauges returns a snapshot of all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

// GetTimers returns a snapshot of all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		avg := 0.0
		if t.count > 0 {
			avg = float64(t.totalTimeMs) / float64(t.count)
		}
		out[name] = TimerMetric{
			Count:         t.count,
			TotalTimeMs:   t.totalTimeMs,
			AverageTimeMs: avg,
			MinTimeMs:     t.minTimeMs,
			MaxTimeMs:     t.maxTimeMs,
		}
	}
	return out
}

// GetUptimeSeconds returns seconds since the collector was created
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in one map for the ops API
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
	}
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = m.counters[name]; ok {
		return v
	}
	v = new(int64)
	m.counters[name] = v
	return v
}

func (m *Metrics) gauge(name string) *int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = m.gauges[name]; ok {
		return v
	}
	v = new(int64)
	m.gauges[name] = v
	return v
}
