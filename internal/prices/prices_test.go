package prices

import (
	"math/rand"
	"testing"
	"time"

	"rugfeed/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func values(t *testing.T, ps []*float64) []float64 {
	t.Helper()
	out := make([]float64, len(ps))
	for i, p := range ps {
		if p == nil {
			t.Fatalf("slot %d unknown", i)
		}
		out[i] = *p
	}
	return out
}

func TestPartialFillClosesGap(t *testing.T) {
	s := NewSeries("G1")
	s.Record(0, f(1.0))
	s.Record(2, f(1.5))
	if !s.HasGaps() || s.GapCount() != 1 {
		t.Fatalf("expected one gap, got %d", s.GapCount())
	}

	if n := s.Fill(models.PartialPrices{1: 1.2}); n != 1 {
		t.Fatalf("expected 1 slot filled, got %d", n)
	}
	got := values(t, s.Snapshot(t0).Prices)
	want := []float64{1.0, 1.2, 1.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("series %v, want %v", got, want)
		}
	}
	if s.HasGaps() {
		t.Fatal("series should be complete")
	}
}

func TestFillNeverOverwrites(t *testing.T) {
	s := NewSeries("G1")
	s.Record(0, f(1.0))
	s.Fill(models.PartialPrices{0: 9.9, 3: 2.0})
	if v, _ := s.At(0); v != 1.0 {
		t.Fatalf("fill overwrote slot 0 with %v", v)
	}
	if v, ok := s.At(3); !ok || v != 2.0 {
		t.Fatalf("fill did not extend to slot 3: %v %v", v, ok)
	}
	if s.GapCount() != 2 || s.Peak() != 2.0 {
		t.Fatalf("gaps=%d peak=%v", s.GapCount(), s.Peak())
	}
}

func TestUnknownWriteNeverClearsSlot(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewSeries("G1")
	known := map[int]bool{}

	for i := 0; i < 500; i++ {
		tick := rng.Intn(40)
		switch rng.Intn(3) {
		case 0:
			s.Record(tick, nil)
		case 1:
			s.Record(tick, f(1+rng.Float64()))
			known[tick] = true
		case 2:
			before, had := s.At(tick)
			s.Fill(models.PartialPrices{tick: 50})
			if had {
				if after, _ := s.At(tick); after != before {
					t.Fatalf("fill overwrote tick %d", tick)
				}
			}
			known[tick] = true
		}
		for k := range known {
			if _, ok := s.At(k); !ok {
				t.Fatalf("tick %d lost its value after step %d", k, i)
			}
		}
	}
}

func TestPeakStartsAtOne(t *testing.T) {
	s := NewSeries("G1")
	s.Record(0, f(0.8))
	if s.Peak() != 1.0 {
		t.Fatalf("peak = %v, want 1.0", s.Peak())
	}
	s.Record(1, f(1.4))
	if s.Peak() != 1.4 {
		t.Fatalf("peak = %v, want 1.4", s.Peak())
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := NewSeries("G1")
	s.Record(0, f(1.0))
	snap := s.Snapshot(t0)
	s.Record(0, f(3.0))
	if *snap.Prices[0] != 1.0 {
		t.Fatal("snapshot aliases live series")
	}
}

func TestHandlerFinalizesOnRug(t *testing.T) {
	h := NewHandler(nil)
	for i, p := range []float64{1.0, 1.1, 1.3} {
		h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: i, Price: f(p), At: t0})
	}
	up := h.Handle(models.GameSignal{
		Kind:       models.SignalRug,
		GameID:     "G1",
		Tick:       2,
		Price:      f(0.01),
		Provenance: &models.Provenance{ServerSeed: "seed"},
		At:         t0,
	})
	if len(up.Finalized) != 1 {
		t.Fatalf("expected one finalized game, got %d", len(up.Finalized))
	}
	gp := up.Finalized[0]
	got := values(t, gp.Prices)
	if len(got) != 3 || got[0] != 1.0 || got[1] != 1.1 || got[2] != 1.3 {
		t.Fatalf("prices %v", got)
	}
	if gp.Peak != 1.3 || gp.HasGaps || gp.DurationTicks != 3 {
		t.Fatalf("unexpected summary %+v", gp)
	}
	if gp.Provenance == nil || gp.Provenance.ServerSeed != "seed" {
		t.Fatalf("missing provenance %+v", gp.Provenance)
	}
	if h.Current() != nil {
		t.Fatal("series should be released after finalization")
	}

	up = h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 3, Price: f(2), At: t0})
	if up.Recorded || h.Current() != nil {
		t.Fatal("events for a finalized game must be ignored")
	}
}

func TestHandlerGameChangeFinalizesPrevious(t *testing.T) {
	h := NewHandler(nil)
	h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 0, Price: f(1.0), At: t0})
	h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 3, Price: f(1.2), At: t0})

	up := h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G2", Tick: 0, Price: f(1.0), At: t0})
	if len(up.Finalized) != 1 || up.Finalized[0].GameID != "G1" {
		t.Fatalf("expected G1 finalized, got %+v", up.Finalized)
	}
	if !up.Finalized[0].HasGaps || up.Finalized[0].GapCount != 2 {
		t.Fatalf("expected 2 gaps, got %+v", up.Finalized[0])
	}
	if h.Current().GameID() != "G2" || h.Current().Peak() != 1.0 {
		t.Fatal("fresh tracking for G2 expected")
	}
}

func TestHandlerReportsPreviousPrice(t *testing.T) {
	h := NewHandler(nil)
	h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 0, Price: f(2.0), At: t0})
	up := h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 2, Price: f(0.5), At: t0})
	if !up.Recorded || !up.HasPrevious || up.Previous != 2.0 || up.Price != 0.5 {
		t.Fatalf("unexpected update %+v", up)
	}
}

func TestHandlerIgnoresTicksBeyondBound(t *testing.T) {
	h := NewHandler(nil, WithMaxTicks(100))
	h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 0, Price: f(1.0), At: t0})

	up := h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: 2_000_000_000, Price: f(1.1), At: t0})
	if up.Recorded || up.Rejected != 1 {
		t.Fatalf("oversized tick applied: %+v", up)
	}

	up = h.Handle(models.GameSignal{
		Kind:    models.SignalTick,
		GameID:  "G1",
		Tick:    1,
		Price:   f(1.2),
		Partial: models.PartialPrices{99: 1.5, 100: 1.6, 5_000_000: 1.7},
		At:      t0,
	})
	if !up.Recorded || up.Filled != 1 || up.Rejected != 2 {
		t.Fatalf("unexpected update %+v", up)
	}
	if n := h.Current().Len(); n != 100 {
		t.Fatalf("series grew to %d slots", n)
	}

	up = h.Handle(models.GameSignal{Kind: models.SignalRug, GameID: "G1", Tick: 500, Price: f(0.01), At: t0})
	if len(up.Finalized) != 1 || up.Finalized[0].DurationTicks != 100 || up.Rejected != 1 {
		t.Fatalf("rug beyond bound: %+v", up)
	}
	if h.Rejected() != 4 {
		t.Fatalf("rejected total = %d", h.Rejected())
	}
}

func TestDefaultMaxTicks(t *testing.T) {
	h := NewHandler(nil, WithMaxTicks(0))
	up := h.Handle(models.GameSignal{Kind: models.SignalTick, GameID: "G1", Tick: DefaultMaxTicks, Price: f(1), At: t0})
	if up.Recorded || up.Rejected != 1 {
		t.Fatalf("tick at the default bound applied: %+v", up)
	}
}
