// Package protocol decodes the Socket.IO text frames pushed by the upstream
// game server.
//
// Accepted shapes:
//
//	0{json}                      engine open / connect
//	40[/ns,]{json}               namespace connect
//	1, 41[/ns,]                  disconnect
//	2                            ping
//	3                            pong
//	42[/ns,][ack]["name",{...}]  event
//
// Anything else decodes to no frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"rugfeed/models"
)

const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'

	packetConnect    = '0'
	packetDisconnect = '1'
	packetEvent      = '2'
)

// Parse decodes one raw frame. The boolean is false for empty, garbled or
// unrecognised input; a partial frame is never returned.
func Parse(raw string) (models.Frame, bool) {
	if raw == "" {
		return models.Frame{}, false
	}

	switch raw[0] {
	case engineOpen:
		return parseOpen(raw[1:])
	case engineClose:
		if len(raw) == 1 {
			return models.Frame{Kind: models.FrameDisconnect}, true
		}
	case enginePing:
		if len(raw) == 1 {
			return models.Frame{Kind: models.FramePing}, true
		}
	case enginePong:
		if len(raw) == 1 {
			return models.Frame{Kind: models.FramePong}, true
		}
	case engineMessage:
		if len(raw) < 2 {
			return models.Frame{}, false
		}
		switch raw[1] {
		case packetEvent:
			return parseEvent(raw[2:])
		case packetConnect:
			return parseNamespaceConnect(raw[2:])
		case packetDisconnect:
			ns, rest := splitNamespace(raw[2:])
			if rest != "" {
				return models.Frame{}, false
			}
			return models.Frame{Kind: models.FrameDisconnect, Namespace: ns}, true
		}
	}
	return models.Frame{}, false
}

func parseOpen(body string) (models.Frame, bool) {
	if body == "" || !json.Valid([]byte(body)) {
		return models.Frame{}, false
	}
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.Frame{}, false
	}
	return models.Frame{Kind: models.FrameConnect, Data: json.RawMessage(trimmed)}, true
}

func parseNamespaceConnect(body string) (models.Frame, bool) {
	ns, rest := splitNamespace(body)
	frame := models.Frame{Kind: models.FrameConnect, Namespace: ns}
	if rest == "" {
		return frame, true
	}
	if !json.Valid([]byte(rest)) || rest[0] != '{' {
		return models.Frame{}, false
	}
	frame.Data = json.RawMessage(rest)
	return frame, true
}

// parseEvent handles the part after "42": an optional namespace and an
// optional ack id in either order, then a two element JSON array.
func parseEvent(body string) (models.Frame, bool) {
	ack, body, hasAck := splitAck(body)
	ns, body := splitNamespace(body)
	if !hasAck {
		ack, body, hasAck = splitAck(body)
	}
	if body == "" || body[0] != '[' {
		return models.Frame{}, false
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil || len(parts) != 2 {
		return models.Frame{}, false
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return models.Frame{}, false
	}

	var payload map[string]any
	if err := json.Unmarshal(parts[1], &payload); err != nil || payload == nil {
		return models.Frame{}, false
	}

	frame := models.Frame{
		Kind:      models.FrameEvent,
		Event:     name,
		Payload:   payload,
		Namespace: ns,
	}
	if hasAck {
		id := ack
		frame.AckID = &id
	}
	return frame, true
}

// splitNamespace strips a leading "/name," segment. A namespace without the
// trailing comma consumes the rest of the input (valid only for connect and
// disconnect packets).
func splitNamespace(body string) (string, string) {
	if !strings.HasPrefix(body, "/") {
		return "", body
	}
	idx := strings.IndexByte(body, ',')
	if idx < 0 {
		return body, ""
	}
	return body[:idx], body[idx+1:]
}

func splitAck(body string) (int64, string, bool) {
	end := 0
	for end < len(body) && body[end] >= '0' && body[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, body, false
	}
	id, err := strconv.ParseInt(body[:end], 10, 64)
	if err != nil {
		return 0, body, false
	}
	return id, body[end:], true
}

// EncodePong is the reply to an engine ping.
func EncodePong() string {
	return string(enginePong)
}

// EncodeNamespaceConnect is the client packet that joins a namespace after
// the engine handshake. The root namespace is implicit.
func EncodeNamespaceConnect(namespace string) string {
	if namespace == "" || namespace == "/" {
		return "40"
	}
	return "40" + namespace + ","
}

// EncodeEvent builds an outgoing event frame.
func EncodeEvent(name string, payload any) (string, error) {
	data, err := json.Marshal([]any{name, payload})
	if err != nil {
		return "", err
	}
	return "42" + string(data), nil
}
