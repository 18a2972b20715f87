package models

import "time"

// Direction records whether an event came from the server or was sent by us.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// NormalizedEvent is the canonical form of one upstream event. It is created
// once by the normalizer and never modified afterwards.
type NormalizedEvent struct {
	EventType  string
	OccurredAt time.Time
	GameID     string // empty when the payload carries no game
	Payload    map[string]any
	Direction  Direction
}

// HasGame reports whether the event is scoped to a game round.
func (e NormalizedEvent) HasGame() bool {
	return e.GameID != ""
}
