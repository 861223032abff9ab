package tick

import (
	"sync"
	"time"
)

// Snapshot summarises observed pass durations.
type Snapshot struct {
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
}

// Monitor accumulates timing statistics for a periodic loop.
type Monitor struct {
	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	observer func(time.Duration)
}

// NewMonitor constructs an empty monitor. observer, when set, also receives every sample.
func NewMonitor(observer func(time.Duration)) *Monitor {
	return &Monitor{observer: observer}
}

// Observe records the duration of a completed pass.
func (m *Monitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Aggregate for the running average and keep the worst case visible.
	m.samples++
	m.total += duration
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	observer := m.observer
	m.mu.Unlock()
	if observer != nil {
		observer(duration)
	}
}

// Snapshot returns a copy of the aggregated statistics.
func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Samples: m.samples, Max: m.max, Last: m.last}
	if m.samples > 0 {
		snap.Average = m.total / time.Duration(m.samples)
	}
	return snap
}

// Reset clears the accumulated statistics.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.mu.Unlock()
}
