package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDocTypeFor(t *testing.T) {
	cases := map[string]DocType{
		"gameStateUpdate":   DocGameTick,
		"standard/newTrade": DocPlayerAction,
		"newSideBet":        DocPlayerAction,
		"rugPool":           DocServerState,
		"connect":           DocSystemEvent,
		"somethingUnmapped": DocWSEvent,
		"":                  DocWSEvent,
	}
	for event, want := range cases {
		if got := DocTypeFor(event); got != want {
			t.Errorf("DocTypeFor(%q) = %s, want %s", event, got, want)
		}
		if !DocTypeFor(event).Valid() {
			t.Errorf("DocTypeFor(%q) returned an invalid doc type", event)
		}
	}
	if DocType("orders").Valid() {
		t.Fatal("unknown doc type reported valid")
	}
}

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	ev := NormalizedEvent{
		EventType:  "gameStateUpdate",
		OccurredAt: at,
		GameID:     "G1",
		Payload:    map[string]any{"tickCount": 3, "price": 1.25},
	}

	env, err := NewEnvelope(ev, "session-1", "rugs.fun")
	if err != nil {
		t.Fatal(err)
	}
	if env.DocType != DocGameTick || env.SessionID != "session-1" || env.Source != "rugs.fun" || env.GameID != "G1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Sequence != 0 {
		t.Fatalf("sequence should be left to the store, got %d", env.Sequence)
	}
	if env.Timestamp.Location() != time.UTC || !env.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v", env.Timestamp)
	}

	var payload map[string]any
	if err := json.Unmarshal(env.RawPayload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["price"] != 1.25 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestNewEnvelopeRejectsUnencodablePayload(t *testing.T) {
	ev := NormalizedEvent{EventType: "newTrade", Payload: map[string]any{"bad": make(chan int)}}
	if _, err := NewEnvelope(ev, "s", "rugs.fun"); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestModeAndPhaseNames(t *testing.T) {
	if ModeDegraded.String() != "DEGRADED" || OperatingMode(9).String() != "UNKNOWN" {
		t.Fatal("unexpected operating mode names")
	}
	if PhaseCooldown.String() != "COOLDOWN" || SignalRug.String() != "rug" {
		t.Fatal("unexpected phase or signal names")
	}
}
