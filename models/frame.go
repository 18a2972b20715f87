package models

import (
	"encoding/json"
	"time"
)

// FrameKind tags the variant carried by a Frame.
type FrameKind int

const (
	FrameConnect FrameKind = iota + 1
	FrameDisconnect
	FramePing
	FramePong
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnect:
		return "connect"
	case FrameDisconnect:
		return "disconnect"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Frame is one decoded unit of the upstream Socket.IO wire protocol.
// Only the fields belonging to Kind are populated.
type Frame struct {
	Kind FrameKind

	// Connect handshake body, raw JSON. Empty for a bare namespace connect.
	Data json.RawMessage

	// Event variant.
	Event     string
	Payload   map[string]any
	AckID     *int64
	Namespace string
}

// RawFrame is the unparsed text read off the socket together with its
// arrival time.
type RawFrame struct {
	Source     string
	Text       string
	ReceivedAt time.Time
}
