// Package integrity evaluates derived round metrics against thresholds.
// Evaluation is pure: nothing here mutates pipeline state.
package integrity

import (
	"fmt"
	"time"
)

// Kind names the threshold an issue tripped.
type Kind string

const (
	KindGapCount      Kind = "gap_count"
	KindTickDrop      Kind = "tick_drop"
	KindStall         Kind = "stall"
	KindRugBelowFloor Kind = "rug_below_floor"
)

// Issue is one threshold violation.
type Issue struct {
	Kind      Kind    `json:"kind"`
	GameID    string  `json:"game_id"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s game=%s observed=%g threshold=%g", i.Kind, i.GameID, i.Observed, i.Threshold)
}

// Alarm reports whether the issue should escalate the operating mode.
// A rug under the floor is recorded but is a property of the game server.
func (i Issue) Alarm() bool {
	return i.Kind != KindRugBelowFloor
}

// Thresholds configure the monitor. Zero disables a check.
type Thresholds struct {
	MaxGapCount   int
	MaxTickDrop   float64 // fractional drop between consecutive known prices
	StallAfter    time.Duration
	RugFloorPrice float64
}

type Monitor struct {
	t Thresholds
}

func NewMonitor(t Thresholds) *Monitor {
	return &Monitor{t: t}
}

// CheckGaps flags a finalized series with too many unknown ticks.
func (m *Monitor) CheckGaps(gameID string, gapCount int) (Issue, bool) {
	if m.t.MaxGapCount <= 0 || gapCount <= m.t.MaxGapCount {
		return Issue{}, false
	}
	return Issue{Kind: KindGapCount, GameID: gameID, Observed: float64(gapCount), Threshold: float64(m.t.MaxGapCount)}, true
}

// CheckTick flags a single-tick price drop larger than MaxTickDrop. Rug
// ticks are exempt.
func (m *Monitor) CheckTick(gameID string, previous, price float64, rug bool) (Issue, bool) {
	if rug || m.t.MaxTickDrop <= 0 || previous <= 0 || price >= previous {
		return Issue{}, false
	}
	drop := (previous - price) / previous
	if drop <= m.t.MaxTickDrop {
		return Issue{}, false
	}
	return Issue{Kind: KindTickDrop, GameID: gameID, Observed: drop, Threshold: m.t.MaxTickDrop}, true
}

// CheckStall flags an active round that has not ticked for StallAfter.
func (m *Monitor) CheckStall(gameID string, idle time.Duration) (Issue, bool) {
	if m.t.StallAfter <= 0 || idle < m.t.StallAfter {
		return Issue{}, false
	}
	return Issue{Kind: KindStall, GameID: gameID, Observed: idle.Seconds(), Threshold: m.t.StallAfter.Seconds()}, true
}

// CheckRugPrice records rugs landing under the configured floor.
func (m *Monitor) CheckRugPrice(gameID string, price float64) (Issue, bool) {
	if m.t.RugFloorPrice <= 0 || price >= m.t.RugFloorPrice {
		return Issue{}, false
	}
	return Issue{Kind: KindRugBelowFloor, GameID: gameID, Observed: price, Threshold: m.t.RugFloorPrice}, true
}
