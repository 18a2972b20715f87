// Package prices reconstructs the tick-indexed price series of each round.
package prices

import (
	"time"

	"rugfeed/models"
)

// Series is the price history of one round. A nil slot is an unknown tick,
// never zero.
type Series struct {
	gameID     string
	prices     []*float64
	peak       float64
	provenance *models.Provenance
}

// NewSeries starts an empty series with peak 1.0.
func NewSeries(gameID string) *Series {
	return &Series{gameID: gameID, peak: 1.0}
}

func (s *Series) GameID() string { return s.gameID }

func (s *Series) Peak() float64 { return s.peak }

func (s *Series) Len() int { return len(s.prices) }

func (s *Series) extend(tick int) {
	for len(s.prices) <= tick {
		s.prices = append(s.prices, nil)
	}
}

// Record writes a live price for tick, extending the series with unknown
// slots as needed. A known price overwrites; a nil price only extends.
func (s *Series) Record(tick int, price *float64) {
	if tick < 0 {
		return
	}
	s.extend(tick)
	if price == nil {
		return
	}
	v := *price
	s.prices[tick] = &v
	if v > s.peak {
		s.peak = v
	}
}

// Fill writes prices only into unknown slots. It returns how many slots it
// filled.
func (s *Series) Fill(partial models.PartialPrices) int {
	filled := 0
	for tick, price := range partial {
		if tick < 0 {
			continue
		}
		s.extend(tick)
		if s.prices[tick] != nil {
			continue
		}
		v := price
		s.prices[tick] = &v
		if v > s.peak {
			s.peak = v
		}
		filled++
	}
	return filled
}

// At returns the price at tick when known.
func (s *Series) At(tick int) (float64, bool) {
	if tick < 0 || tick >= len(s.prices) || s.prices[tick] == nil {
		return 0, false
	}
	return *s.prices[tick], true
}

// LastKnownBefore returns the closest known price strictly before tick.
func (s *Series) LastKnownBefore(tick int) (float64, bool) {
	if tick > len(s.prices) {
		tick = len(s.prices)
	}
	for i := tick - 1; i >= 0; i-- {
		if s.prices[i] != nil {
			return *s.prices[i], true
		}
	}
	return 0, false
}

// GapCount is the number of unknown slots.
func (s *Series) GapCount() int {
	n := 0
	for _, p := range s.prices {
		if p == nil {
			n++
		}
	}
	return n
}

// HasGaps reports whether any slot is still unknown.
func (s *Series) HasGaps() bool {
	return s.GapCount() > 0
}

// Snapshot returns an immutable copy of the series.
func (s *Series) Snapshot(at time.Time) models.GamePrices {
	out := make([]*float64, len(s.prices))
	for i, p := range s.prices {
		if p != nil {
			v := *p
			out[i] = &v
		}
	}
	gaps := s.GapCount()
	var prov *models.Provenance
	if s.provenance != nil {
		cp := *s.provenance
		prov = &cp
	}
	return models.GamePrices{
		GameID:        s.gameID,
		Prices:        out,
		Peak:          s.peak,
		DurationTicks: len(s.prices),
		HasGaps:       gaps > 0,
		GapCount:      gaps,
		Provenance:    prov,
		FinalizedAt:   at.UTC(),
	}
}
