// Package metrics is the engine's operational-visibility boundary. Backends
// are external collaborators; the engine only talks to the Sink interface.
package metrics

import "sync"

// Counter and gauge names emitted by the engine.
const (
	CounterDispatched = "dispatch.dispatched"
	CounterSent       = "dispatch.sent"
	CounterFailed     = "dispatch.failed"
	CounterSkipped    = "dispatch.skipped"
	CounterRequeued   = "dispatch.requeued"
	CounterRecovered  = "dispatch.recovered"
	CounterRejected   = "dispatch.tenant_rejected"
	CounterCorrupt    = "dispatch.corrupt"

	GaugePending     = "queue.pending"
	GaugeInFlight    = "queue.in_flight"
	GaugeErrors      = "queue.errors"
	GaugeActiveTasks = "dispatch.active_tasks"
	GaugePermitsFree = "dispatch.permits_free"
)

type Sink interface {
	IncCounter(name string, delta int64)
	SetGauge(name string, value int64)
}

// AtomicSink is the in-process Sink used when no external backend is wired.
// It doubles as the source for the global stats endpoint.
type AtomicSink struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

func NewAtomicSink() *AtomicSink {
	return &AtomicSink{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

func (s *AtomicSink) IncCounter(name string, delta int64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

func (s *AtomicSink) SetGauge(name string, value int64) {
	s.mu.Lock()
	s.gauges[name] = value
	s.mu.Unlock()
}

func (s *AtomicSink) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

func (s *AtomicSink) Gauge(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[name]
}

// Snapshot returns a copy of all counters and gauges.
func (s *AtomicSink) Snapshot() (counters, gauges map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters = make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	gauges = make(map[string]int64, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

// Discard ignores everything. Handy default for tests.
type Discard struct{}

func (Discard) IncCounter(string, int64) {}
func (Discard) SetGauge(string, int64)   {}
