// Package game derives per-round phase transitions from normalized events.
package game

import (
	"strconv"
	"time"

	"rugfeed/internal/normalizer"
	"rugfeed/models"
)

// StateEvent is the upstream event carrying round state.
const StateEvent = "gameStateUpdate"

// Classify maps a gameStateUpdate to a signal. Events of other types, or
// without a game id, yield false.
//
// Precedence: rugged, then a running cooldown timer, then active, else the
// round is waiting for its start.
func Classify(ev models.NormalizedEvent) (models.GameSignal, bool) {
	if ev.EventType != StateEvent || !ev.HasGame() {
		return models.GameSignal{}, false
	}
	p := ev.Payload

	sig := models.GameSignal{
		GameID:  ev.GameID,
		Tick:    -1,
		At:      ev.OccurredAt,
		Partial: partialPrices(p["partialPrices"]),
	}
	if tick, ok := normalizer.Int(p["tickCount"]); ok && tick >= 0 {
		sig.Tick = tick
	}
	if price, ok := normalizer.Float(p["price"]); ok {
		sig.Price = &price
	}
	if ms, ok := normalizer.Float(p["cooldownTimer"]); ok && ms > 0 {
		sig.Cooldown = time.Duration(ms) * time.Millisecond
	}

	rugged, _ := normalizer.Bool(p["rugged"])
	active, _ := normalizer.Bool(p["active"])

	switch {
	case rugged:
		sig.Kind = models.SignalRug
		sig.Provenance = provenance(ev.GameID, p)
	case sig.Cooldown > 0:
		sig.Kind = models.SignalCooldown
	case active:
		sig.Kind = models.SignalTick
	default:
		sig.Kind = models.SignalWaiting
	}
	return sig, true
}

// partialPrices accepts {"values": {"12": 1.2}} or a bare tick→price object.
func partialPrices(v any) models.PartialPrices {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if values, ok := obj["values"].(map[string]any); ok {
		obj = values
	}
	out := make(models.PartialPrices, len(obj))
	for k, raw := range obj {
		tick, err := strconv.Atoi(k)
		if err != nil || tick < 0 {
			continue
		}
		if price, ok := normalizer.Float(raw); ok {
			out[tick] = price
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// provenance prefers the revealed seed in the matching gameHistory entry and
// falls back to the live provablyFair block, which carries only the hash.
func provenance(gameID string, p map[string]any) *models.Provenance {
	var out models.Provenance
	if pf, ok := p["provablyFair"].(map[string]any); ok {
		readProvablyFair(pf, &out)
	}
	if history, ok := p["gameHistory"].([]any); ok {
		for _, item := range history {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := normalizer.String(entry["id"]); id != gameID {
				continue
			}
			if pf, ok := entry["provablyFair"].(map[string]any); ok {
				readProvablyFair(pf, &out)
			}
			break
		}
	}
	if out == (models.Provenance{}) {
		return nil
	}
	return &out
}

func readProvablyFair(pf map[string]any, out *models.Provenance) {
	if s, ok := normalizer.String(pf["serverSeed"]); ok && s != "" {
		out.ServerSeed = s
	}
	if s, ok := normalizer.String(pf["serverSeedHash"]); ok && s != "" {
		out.ServerSeedHash = s
	}
	if s, ok := normalizer.String(pf["version"]); ok && s != "" {
		out.Version = s
	}
}
