package prices

import (
	"rugfeed/logger"
	"rugfeed/models"
)

const (
	finalizedMemory = 64

	// DefaultMaxTicks bounds a series when no limit is configured.
	DefaultMaxTicks = 100000
)

// Update reports what one signal did to the tracked series.
type Update struct {
	// Finalized holds snapshots completed by this signal: the previous
	// round on a game change, or the current round on its rug.
	Finalized []models.GamePrices

	// Recorded is set when a live price was written at Tick. Previous is
	// the closest known price before it, when HasPrevious.
	Recorded    bool
	Tick        int
	Price       float64
	Previous    float64
	HasPrevious bool
	Filled      int

	// Rejected counts tick indexes at or beyond the series bound that
	// this signal carried.
	Rejected int
}

// Handler owns the series of the round currently on the feed. It is not
// safe for concurrent use; the pipeline worker is its single owner.
type Handler struct {
	current   *Series
	finalized map[string]struct{}
	order     []string
	maxTicks  int
	rejected  uint64
	log       *logger.Entry
}

// Option customises a Handler.
type Option func(*Handler)

// WithMaxTicks sets the exclusive upper bound on tick indexes.
func WithMaxTicks(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxTicks = n
		}
	}
}

func NewHandler(log *logger.Log, opts ...Option) *Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	h := &Handler{
		finalized: make(map[string]struct{}),
		maxTicks:  DefaultMaxTicks,
		log:       log.WithComponent("price_history"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Rejected is the number of out of range tick indexes ignored so far.
func (h *Handler) Rejected() uint64 {
	return h.rejected
}

// Current is the series being tracked, or nil.
func (h *Handler) Current() *Series {
	return h.current
}

// Handle applies one game signal.
func (h *Handler) Handle(sig models.GameSignal) Update {
	var up Update
	if _, done := h.finalized[sig.GameID]; done {
		return up
	}

	if h.current == nil || h.current.GameID() != sig.GameID {
		if h.current != nil {
			up.Finalized = append(up.Finalized, h.finalize(sig))
		}
		h.current = NewSeries(sig.GameID)
	}
	s := h.current

	if len(sig.Partial) > 0 {
		partial, rejected := h.bound(sig.Partial)
		up.Rejected += rejected
		up.Filled = s.Fill(partial)
	}

	tickInRange := sig.Tick < h.maxTicks
	if sig.Tick >= 0 && !tickInRange {
		up.Rejected++
	}

	switch sig.Kind {
	case models.SignalTick:
		if sig.Tick < 0 || !tickInRange {
			break
		}
		prev, hasPrev := s.LastKnownBefore(sig.Tick)
		s.Record(sig.Tick, sig.Price)
		if sig.Price != nil {
			up.Recorded = true
			up.Tick = sig.Tick
			up.Price = *sig.Price
			up.Previous, up.HasPrevious = prev, hasPrev
		}

	case models.SignalRug:
		// The rug price only fills an unknown slot; a live tick already
		// recorded at the same index wins.
		if sig.Tick >= 0 && tickInRange && sig.Price != nil {
			s.Fill(models.PartialPrices{sig.Tick: *sig.Price})
		}
		if sig.Provenance != nil {
			s.provenance = sig.Provenance
		}
		up.Finalized = append(up.Finalized, h.finalize(sig))
	}

	if up.Rejected > 0 {
		h.rejected += uint64(up.Rejected)
		h.log.WithGame(sig.GameID).WithFields(logger.Fields{
			"tick":      sig.Tick,
			"rejected":  up.Rejected,
			"max_ticks": h.maxTicks,
		}).Warn("tick index out of range ignored")
	}
	return up
}

// bound drops partial prices whose tick is outside the series bound.
func (h *Handler) bound(partial models.PartialPrices) (models.PartialPrices, int) {
	rejected := 0
	for tick := range partial {
		if tick >= h.maxTicks {
			rejected++
		}
	}
	if rejected == 0 {
		return partial, 0
	}
	out := make(models.PartialPrices, len(partial)-rejected)
	for tick, price := range partial {
		if tick < h.maxTicks {
			out[tick] = price
		}
	}
	return out, rejected
}

func (h *Handler) finalize(sig models.GameSignal) models.GamePrices {
	s := h.current
	h.current = nil
	snap := s.Snapshot(sig.At)

	h.finalized[s.GameID()] = struct{}{}
	h.order = append(h.order, s.GameID())
	if len(h.order) > finalizedMemory {
		delete(h.finalized, h.order[0])
		h.order = h.order[1:]
	}

	entry := h.log.WithFields(logger.Fields{
		"game_id":        snap.GameID,
		"duration_ticks": snap.DurationTicks,
		"peak":           snap.Peak,
		"gap_count":      snap.GapCount,
	})
	if snap.HasGaps {
		entry.Warn("game prices finalized with gaps")
	} else {
		entry.Info("game prices finalized")
	}
	return snap
}
