package pipeline

import (
	"time"

	"rugfeed/internal/bus"
	"rugfeed/internal/channel"
	"rugfeed/internal/game"
	"rugfeed/internal/health"
	"rugfeed/internal/ratelimit"
	"rugfeed/internal/store"
	"rugfeed/reader/socketio"
)

// Status is the point-in-time view served on /status.
type Status struct {
	SessionID   string                  `json:"session_id"`
	At          time.Time               `json:"at"`
	Mode        string                  `json:"mode"`
	Health      health.ConnectionHealth `json:"health"`
	ActiveGames []game.ActiveGame       `json:"active_games"`
	LastSeq     int64                   `json:"last_sequence"`
	Limiter     ratelimit.Stats         `json:"limiter"`
	Bus         bus.Stats               `json:"bus"`
	Store       store.Stats             `json:"store"`
	Channels    channel.ChannelStats    `json:"channels"`
	Reader      *socketio.Stats         `json:"reader,omitempty"`
}

func (p *Pipeline) Status() Status {
	s := Status{
		SessionID:   p.sessionID,
		At:          time.Now().UTC(),
		Mode:        p.Degradation.Mode().String(),
		Health:      p.Health.Snapshot(),
		ActiveGames: p.Machine.Active(),
		LastSeq:     p.Store.LastSequence(p.sessionID),
		Limiter:     p.Limiter.Stats(),
		Bus:         p.Bus.Stats(),
		Store:       p.Store.Stats(),
		Channels:    p.Channels.GetStats(),
	}
	if p.Reader != nil {
		rs := p.Reader.Stats()
		s.Reader = &rs
	}
	return s
}
