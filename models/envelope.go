package models

import (
	"encoding/json"
	"time"
)

// DocType partitions persisted envelopes.
type DocType string

const (
	DocWSEvent      DocType = "ws_event"
	DocGameTick     DocType = "game_tick"
	DocPlayerAction DocType = "player_action"
	DocServerState  DocType = "server_state"
	DocSystemEvent  DocType = "system_event"
)

var docTypes = map[DocType]struct{}{
	DocWSEvent:      {},
	DocGameTick:     {},
	DocPlayerAction: {},
	DocServerState:  {},
	DocSystemEvent:  {},
}

// Valid reports whether d is one of the persisted doc types.
func (d DocType) Valid() bool {
	_, ok := docTypes[d]
	return ok
}

var eventDocTypes = map[string]DocType{
	"gameStateUpdate":       DocGameTick,
	"standard/newTrade":     DocPlayerAction,
	"newTrade":              DocPlayerAction,
	"sidebetEventUpdate":    DocPlayerAction,
	"newSideBet":            DocPlayerAction,
	"playerUpdate":          DocPlayerAction,
	"gameStatePlayerUpdate": DocPlayerAction,
	"rugPool":               DocServerState,
	"leaderboard":           DocServerState,
	"serverState":           DocServerState,
	"connect":               DocSystemEvent,
	"disconnect":            DocSystemEvent,
}

// DocTypeFor maps an upstream event name to the partition it is stored under.
func DocTypeFor(eventType string) DocType {
	if d, ok := eventDocTypes[eventType]; ok {
		return d
	}
	return DocWSEvent
}

// Envelope is the persisted record wrapping one normalized event.
type Envelope struct {
	DocType    DocType         `json:"doc_type"`
	SessionID  string          `json:"session_id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	GameID     string          `json:"game_id,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// NewEnvelope wraps ev for storage. Sequence is left zero so the store can
// assign it.
func NewEnvelope(ev NormalizedEvent, sessionID, source string) (Envelope, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		DocType:    DocTypeFor(ev.EventType),
		SessionID:  sessionID,
		Timestamp:  ev.OccurredAt.UTC(),
		Source:     source,
		GameID:     ev.GameID,
		RawPayload: raw,
	}, nil
}
