// Package normalizer maps decoded frames to the canonical NormalizedEvent.
package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"rugfeed/models"
)

var gameIDKeys = []string{"gameId", "game_id", "gameID"}

// Normalize converts an event frame. Frames of any other kind yield false.
// The payload map is copied so the event never aliases parser state.
func Normalize(frame models.Frame, receivedAt time.Time) (models.NormalizedEvent, bool) {
	if frame.Kind != models.FrameEvent || frame.Event == "" {
		return models.NormalizedEvent{}, false
	}

	payload := make(map[string]any, len(frame.Payload))
	for k, v := range frame.Payload {
		payload[k] = v
	}

	return models.NormalizedEvent{
		EventType:  frame.Event,
		OccurredAt: occurredAt(payload, receivedAt),
		GameID:     GameID(payload),
		Payload:    payload,
		Direction:  models.DirectionReceived,
	}, true
}

// Outgoing wraps an event we sent upstream so it can be logged alongside
// received traffic.
func Outgoing(event string, payload map[string]any, at time.Time) models.NormalizedEvent {
	return models.NormalizedEvent{
		EventType:  event,
		OccurredAt: at.UTC(),
		GameID:     GameID(payload),
		Payload:    payload,
		Direction:  models.DirectionSent,
	}
}

// GameID extracts the game identifier from the top level or from a nested
// "game" object. Empty when absent.
func GameID(payload map[string]any) string {
	for _, key := range gameIDKeys {
		if id, ok := String(payload[key]); ok && id != "" {
			return id
		}
	}
	if game, ok := payload["game"].(map[string]any); ok {
		if id, ok := String(game["id"]); ok {
			return id
		}
	}
	return ""
}

// occurredAt prefers the server timestamp (unix millis) when present.
func occurredAt(payload map[string]any, receivedAt time.Time) time.Time {
	if ms, ok := Float(payload["timestamp"]); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return receivedAt.UTC()
}

// Float reads a JSON number, numeric string or json.Number.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int reads an integral value; fractional numbers are truncated.
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool reads a JSON boolean.
func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// String reads a string, or formats a number as one.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}
