package health

import (
	"testing"
	"time"

	"rugfeed/models"
)

func TestEscalationOnConsecutiveGaps(t *testing.T) {
	d := NewDegradationManager(DefaultDegradationConfig(), nil)
	var changes []models.ModeChange
	d.OnChange(func(c models.ModeChange) { changes = append(changes, c) })

	for i := 1; i <= 6; i++ {
		d.ObserveHealth(ConnectionHealth{ConsecutiveGapCount: i}, t0)
	}
	if d.Mode() != models.ModeCritical {
		t.Fatalf("expected CRITICAL after 6 gaps, got %s", d.Mode())
	}
	if len(changes) != 2 || changes[0].To != models.ModeDegraded || changes[1].To != models.ModeCritical {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestDropBurstEscalates(t *testing.T) {
	cfg := DefaultDegradationConfig()
	cfg.DropBurst = 5
	cfg.DropWindow = time.Second
	d := NewDegradationManager(cfg, nil)

	// spread out: never five inside one second
	for i := 0; i < 10; i++ {
		d.RecordDrop(t0.Add(time.Duration(i) * 300 * time.Millisecond))
	}
	if d.Mode() != models.ModeNormal {
		t.Fatalf("spread drops should not escalate, got %s", d.Mode())
	}

	base := t0.Add(time.Minute)
	for i := 0; i < 5; i++ {
		d.RecordDrop(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	if d.Mode() != models.ModeDegraded {
		t.Fatalf("expected DEGRADED after burst, got %s", d.Mode())
	}
}

func TestIntegrityAlarmAndRecovery(t *testing.T) {
	d := NewDegradationManager(DefaultDegradationConfig(), nil)
	d.IntegrityAlarm("gap_count", t0)
	d.IntegrityAlarm("tick_drop", t0)
	if d.Mode() != models.ModeCritical {
		t.Fatalf("expected CRITICAL, got %s", d.Mode())
	}
	d.IntegrityAlarm("stall", t0)
	if d.Mode() != models.ModeCritical {
		t.Fatal("CRITICAL must be the ceiling")
	}

	d.Tick(t0.Add(10 * time.Second))
	if d.Mode() != models.ModeCritical {
		t.Fatal("recovered before the healthy window elapsed")
	}
	d.Tick(t0.Add(30 * time.Second))
	if d.Mode() != models.ModeDegraded {
		t.Fatalf("expected one step down, got %s", d.Mode())
	}
	d.Tick(t0.Add(45 * time.Second))
	if d.Mode() != models.ModeDegraded {
		t.Fatal("each step down needs its own healthy window")
	}
	d.Tick(t0.Add(60 * time.Second))
	if d.Mode() != models.ModeNormal {
		t.Fatalf("expected NORMAL, got %s", d.Mode())
	}
}

func TestResetReturnsToNormal(t *testing.T) {
	d := NewDegradationManager(DefaultDegradationConfig(), nil)
	var last models.ModeChange
	d.OnChange(func(c models.ModeChange) { last = c })

	d.IntegrityAlarm("stall", t0)
	d.Reset(t0.Add(time.Second))
	if d.Mode() != models.ModeNormal {
		t.Fatalf("expected NORMAL after reset, got %s", d.Mode())
	}
	if last.From != models.ModeDegraded || last.To != models.ModeNormal {
		t.Fatalf("unexpected change %+v", last)
	}
}

func TestRepeatedConnectionFailuresEscalate(t *testing.T) {
	d := NewDegradationManager(DefaultDegradationConfig(), nil)
	for i := 1; i <= 2; i++ {
		d.ConnectionFailed(i, t0)
	}
	if d.Mode() != models.ModeNormal {
		t.Fatalf("two failures should not escalate, got %s", d.Mode())
	}
	d.ConnectionFailed(3, t0)
	if d.Mode() != models.ModeDegraded {
		t.Fatalf("expected DEGRADED after 3 failures, got %s", d.Mode())
	}
}
