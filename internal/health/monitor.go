// Package health tracks upstream inter-arrival gaps and derives the
// pipeline's operating mode from them.
package health

import (
	"sync"
	"time"
)

// Classification is the verdict for one observed gap.
type Classification int

const (
	// Baseline is returned for the first observation of an event type.
	Baseline Classification = iota
	Healthy
	Warning
	HighAlert
)

func (c Classification) String() string {
	switch c {
	case Baseline:
		return "baseline"
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case HighAlert:
		return "high_alert"
	default:
		return "unknown"
	}
}

// Status is the coarse connection state reported in snapshots.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusDegraded Status = "degraded"
)

// ConnectionHealth is a point-in-time view of the monitor.
type ConnectionHealth struct {
	Status              Status        `json:"status"`
	LastEventAt         time.Time     `json:"last_event_at"`
	ConsecutiveGapCount int           `json:"consecutive_gap_count"`
	CurrentInterval     time.Duration `json:"current_interval"`
	TotalGaps           uint64        `json:"total_gaps"`
}

// GapListener observes each classified gap. It runs on the caller's
// goroutine with the monitor lock released.
type GapListener func(eventType string, c Classification, interval time.Duration)

// Thresholds configure the classifier.
type Thresholds struct {
	Baseline time.Duration
	Warning  time.Duration
	High     time.Duration
}

// DefaultThresholds matches the upstream 250ms heartbeat.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Baseline: 250 * time.Millisecond,
		Warning:  350 * time.Millisecond,
		High:     450 * time.Millisecond,
	}
}

// Monitor classifies inter-arrival gaps per event type. Only the heartbeat
// type drives ConnectionHealth; other types are tracked but not reported.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	heartbeat  string
	lastSeen   map[string]time.Time
	health     ConnectionHealth
	listeners  []GapListener
}

// NewMonitor creates a monitor for the given heartbeat event type.
func NewMonitor(heartbeat string, t Thresholds) *Monitor {
	if t.Warning <= 0 || t.High <= 0 {
		t = DefaultThresholds()
	}
	m := &Monitor{
		thresholds: t,
		heartbeat:  heartbeat,
	}
	m.resetLocked()
	return m
}

// OnGap registers a listener for classified gaps.
func (m *Monitor) OnGap(l GapListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Classify maps a gap to its verdict without touching monitor state.
func (m *Monitor) Classify(gap time.Duration) Classification {
	switch {
	case gap >= m.thresholds.High:
		return HighAlert
	case gap >= m.thresholds.Warning:
		return Warning
	default:
		return Healthy
	}
}

// Observe records an arrival of eventType at t and returns the verdict for
// the gap since the previous arrival of the same type.
func (m *Monitor) Observe(eventType string, at time.Time) Classification {
	m.mu.Lock()
	prev, seen := m.lastSeen[eventType]
	m.lastSeen[eventType] = at
	if !seen {
		if eventType == m.heartbeat {
			m.health.LastEventAt = at
			m.health.CurrentInterval = m.thresholds.Baseline
			m.health.Status = StatusHealthy
		}
		m.mu.Unlock()
		return Baseline
	}

	gap := at.Sub(prev)
	if gap < 0 {
		gap = 0
	}
	c := m.Classify(gap)

	if eventType == m.heartbeat {
		m.health.LastEventAt = at
		m.health.CurrentInterval = gap
		switch c {
		case HighAlert:
			m.health.ConsecutiveGapCount++
			m.health.TotalGaps++
			m.health.Status = StatusDegraded
		case Warning:
			m.health.Status = StatusWarning
		default:
			m.health.ConsecutiveGapCount = 0
			m.health.Status = StatusHealthy
		}
	}
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(eventType, c, gap)
	}
	return c
}

// Snapshot returns the current heartbeat health.
func (m *Monitor) Snapshot() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Reset forgets all previous arrivals. Called on a fresh connect so the
// reconnect gap is not classified.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.health.TotalGaps
	m.resetLocked()
	m.health.TotalGaps = total
}

func (m *Monitor) resetLocked() {
	m.lastSeen = make(map[string]time.Time)
	m.health = ConnectionHealth{Status: StatusUnknown}
}
