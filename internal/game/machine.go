package game

import (
	"sync"
	"time"

	"rugfeed/logger"
	"rugfeed/models"
)

const retiredMemory = 64

type tracker struct {
	phase    models.GamePhase
	tick     int
	lastSeen time.Time
}

// ActiveGame is a read-only view used for stall detection. LastSeen is
// the local arrival time of the game's latest signal.
type ActiveGame struct {
	GameID   string
	Phase    models.GamePhase
	Tick     int
	LastSeen time.Time
}

// Machine tracks one phase per live game id. Invalid transitions are
// counted and ignored.
type Machine struct {
	mu        sync.Mutex
	games     map[string]*tracker
	retired   map[string]struct{}
	order     []string
	anomalies uint64
	log       *logger.Entry
}

func NewMachine(log *logger.Log) *Machine {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Machine{
		games:   make(map[string]*tracker),
		retired: make(map[string]struct{}),
		log:     log.WithComponent("game_state"),
	}
}

// Apply feeds one signal and returns the transitions it caused, in order.
func (m *Machine) Apply(sig models.GameSignal) []models.PhaseTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.retired[sig.GameID]; done {
		return nil
	}

	var out []models.PhaseTransition
	t, ok := m.games[sig.GameID]
	if !ok {
		// A new round means every older round has moved on.
		out = append(out, m.closeOthersLocked(sig)...)
		t = &tracker{phase: models.PhaseWaiting, tick: -1}
		m.games[sig.GameID] = t
	}
	t.lastSeen = sig.ReceivedAt
	if t.lastSeen.IsZero() {
		t.lastSeen = sig.At
	}
	if sig.Tick > t.tick {
		t.tick = sig.Tick
	}

	move := func(to models.GamePhase) {
		out = append(out, models.PhaseTransition{GameID: sig.GameID, From: t.phase, To: to, Tick: t.tick, At: sig.At})
		t.phase = to
	}

	switch sig.Kind {
	case models.SignalWaiting:
		switch t.phase {
		case models.PhaseWaiting:
		case models.PhaseCooldown:
			move(models.PhaseWaiting)
			m.retireLocked(sig.GameID)
		default:
			m.anomalyLocked(sig, t.phase)
		}

	case models.SignalTick:
		switch t.phase {
		case models.PhaseWaiting:
			move(models.PhaseActive)
		case models.PhaseActive:
		default:
			m.anomalyLocked(sig, t.phase)
		}

	case models.SignalRug:
		switch t.phase {
		case models.PhaseActive:
			move(models.PhaseRugged)
			if sig.Cooldown > 0 {
				move(models.PhaseCooldown)
			}
		case models.PhaseRugged:
			// repeated rug payloads while the server counts down
			if sig.Cooldown > 0 {
				move(models.PhaseCooldown)
			}
		case models.PhaseCooldown:
		default:
			m.anomalyLocked(sig, t.phase)
		}

	case models.SignalCooldown:
		switch t.phase {
		case models.PhaseActive, models.PhaseRugged:
			move(models.PhaseCooldown)
		case models.PhaseCooldown, models.PhaseWaiting:
			// pre-round countdown of the next game
		}
	}
	return out
}

// closeOthersLocked walks rounds superseded by a new game id. Rounds that
// already ended finish their lifecycle; a round still ACTIVE vanished
// without a rug and is dropped as an anomaly.
func (m *Machine) closeOthersLocked(sig models.GameSignal) []models.PhaseTransition {
	var out []models.PhaseTransition
	for id, t := range m.games {
		switch t.phase {
		case models.PhaseRugged:
			out = append(out,
				models.PhaseTransition{GameID: id, From: models.PhaseRugged, To: models.PhaseCooldown, Tick: t.tick, At: sig.At},
				models.PhaseTransition{GameID: id, From: models.PhaseCooldown, To: models.PhaseWaiting, Tick: t.tick, At: sig.At},
			)
		case models.PhaseCooldown:
			out = append(out, models.PhaseTransition{GameID: id, From: models.PhaseCooldown, To: models.PhaseWaiting, Tick: t.tick, At: sig.At})
		case models.PhaseActive:
			m.anomalies++
			m.log.WithFields(logger.Fields{"game_id": id, "tick": t.tick, "next_game_id": sig.GameID}).
				Warn("active round superseded without a rug")
		case models.PhaseWaiting:
			// a pre-round that never started; nothing to report
		}
		m.retireLocked(id)
	}
	return out
}

func (m *Machine) retireLocked(id string) {
	delete(m.games, id)
	if _, ok := m.retired[id]; ok {
		return
	}
	m.retired[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > retiredMemory {
		delete(m.retired, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Machine) anomalyLocked(sig models.GameSignal, phase models.GamePhase) {
	m.anomalies++
	m.log.WithFields(logger.Fields{
		"game_id": sig.GameID,
		"signal":  sig.Kind.String(),
		"phase":   phase.String(),
		"tick":    sig.Tick,
	}).Warn("invalid phase transition ignored")
}

// Phase returns the tracked phase of a live game.
func (m *Machine) Phase(gameID string) (models.GamePhase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.games[gameID]
	if !ok {
		return 0, false
	}
	return t.phase, true
}

// Active lists rounds currently in the ACTIVE phase.
func (m *Machine) Active() []ActiveGame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActiveGame
	for id, t := range m.games {
		if t.phase == models.PhaseActive {
			out = append(out, ActiveGame{GameID: id, Phase: t.phase, Tick: t.tick, LastSeen: t.lastSeen})
		}
	}
	return out
}

// Anomalies counts ignored invalid transitions.
func (m *Machine) Anomalies() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anomalies
}
