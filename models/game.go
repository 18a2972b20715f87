package models

import "time"

// GamePhase is the lifecycle phase of one game round.
type GamePhase int

const (
	PhaseWaiting GamePhase = iota
	PhaseActive
	PhaseRugged
	PhaseCooldown
)

func (p GamePhase) String() string {
	switch p {
	case PhaseWaiting:
		return "WAITING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseRugged:
		return "RUGGED"
	case PhaseCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// SignalKind tags a GameSignal.
type SignalKind int

const (
	SignalWaiting SignalKind = iota + 1
	SignalTick
	SignalRug
	SignalCooldown
)

func (k SignalKind) String() string {
	switch k {
	case SignalWaiting:
		return "waiting"
	case SignalTick:
		return "tick"
	case SignalRug:
		return "rug"
	case SignalCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Provenance is the provably-fair metadata published when a game ends.
type Provenance struct {
	ServerSeed     string `json:"server_seed,omitempty"`
	ServerSeedHash string `json:"server_seed_hash,omitempty"`
	Version        string `json:"version,omitempty"`
}

// PartialPrices is an out-of-band correction carrying prices by tick index.
type PartialPrices map[int]float64

// GameSignal is the classified meaning of one game-scoped event.
type GameSignal struct {
	Kind       SignalKind
	GameID     string
	Tick       int
	Price      *float64
	Cooldown   time.Duration
	Partial    PartialPrices
	Provenance *Provenance
	At         time.Time // server timestamp when present, else arrival
	ReceivedAt time.Time // local arrival of the carrying frame
}

// Critical reports whether the signal must bypass admission control.
func (s GameSignal) Critical() bool {
	return s.Kind == SignalRug
}

// PhaseTransition is published whenever a game's phase changes.
type PhaseTransition struct {
	GameID string
	From   GamePhase
	To     GamePhase
	Tick   int
	At     time.Time
}

// GamePrices is the finalized price series of one game.
type GamePrices struct {
	GameID        string      `json:"game_id"`
	Prices        []*float64  `json:"prices"`
	Peak          float64     `json:"peak"`
	DurationTicks int         `json:"duration_ticks"`
	HasGaps       bool        `json:"has_gaps"`
	GapCount      int         `json:"gap_count"`
	Provenance    *Provenance `json:"provenance,omitempty"`
	FinalizedAt   time.Time   `json:"finalized_at"`
}
