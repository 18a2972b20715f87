package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"rugfeed/models"
)

func TestNormalizeEventFrame(t *testing.T) {
	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	frame := models.Frame{
		Kind:    models.FrameEvent,
		Event:   "gameStateUpdate",
		Payload: map[string]any{"gameId": "G1", "price": 1.2},
	}

	ev, ok := Normalize(frame, received)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.EventType != "gameStateUpdate" || ev.GameID != "G1" || ev.Direction != models.DirectionReceived {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.OccurredAt.Equal(received) || ev.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC receive time, got %v", ev.OccurredAt)
	}

	frame.Payload["price"] = 9.9
	if ev.Payload["price"] != 1.2 {
		t.Fatal("normalized payload aliases the frame payload")
	}
}

func TestNormalizeUsesServerTimestamp(t *testing.T) {
	frame := models.Frame{
		Kind:    models.FrameEvent,
		Event:   "newTrade",
		Payload: map[string]any{"timestamp": float64(1714557600000)},
	}
	ev, _ := Normalize(frame, time.Now())
	if ev.OccurredAt.UnixMilli() != 1714557600000 {
		t.Fatalf("unexpected occurred_at %v", ev.OccurredAt)
	}
	if ev.HasGame() {
		t.Fatal("trade without game id should not be game scoped")
	}
}

func TestNormalizeRejectsControlFrames(t *testing.T) {
	for _, kind := range []models.FrameKind{models.FrameConnect, models.FrameDisconnect, models.FramePing, models.FramePong} {
		if _, ok := Normalize(models.Frame{Kind: kind}, time.Now()); ok {
			t.Errorf("frame kind %s should not normalize", kind)
		}
	}
}

func TestGameIDVariants(t *testing.T) {
	cases := []struct {
		payload map[string]any
		want    string
	}{
		{map[string]any{"gameId": "a"}, "a"},
		{map[string]any{"game_id": "b"}, "b"},
		{map[string]any{"game": map[string]any{"id": "c"}}, "c"},
		{map[string]any{"gameId": float64(42)}, "42"},
		{map[string]any{"other": "x"}, ""},
	}
	for _, c := range cases {
		if got := GameID(c.payload); got != c.want {
			t.Errorf("GameID(%v) = %q, want %q", c.payload, got, c.want)
		}
	}
}

func TestNumberHelpers(t *testing.T) {
	if f, ok := Float(json.Number("1.5")); !ok || f != 1.5 {
		t.Fatalf("json.Number: %v %v", f, ok)
	}
	if f, ok := Float("2.25"); !ok || f != 2.25 {
		t.Fatalf("string: %v %v", f, ok)
	}
	if _, ok := Float(true); ok {
		t.Fatal("bool should not be numeric")
	}
	if n, ok := Int(float64(7.9)); !ok || n != 7 {
		t.Fatalf("Int truncation: %v %v", n, ok)
	}
	if _, ok := Bool("true"); ok {
		t.Fatal("string should not be a bool")
	}
}
