package health

import (
	"sync"
	"time"

	"rugfeed/logger"
	"rugfeed/models"
)

// DegradationConfig holds the escalation triggers.
type DegradationConfig struct {
	GapEscalation  int           // consecutive high-alert gaps
	DropBurst      int           // limiter drops inside DropWindow
	DropWindow     time.Duration
	RecoveryWindow time.Duration // healthy time needed to step down
}

// DefaultDegradationConfig returns the stock triggers.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		GapEscalation:  3,
		DropBurst:      20,
		DropWindow:     5 * time.Second,
		RecoveryWindow: 30 * time.Second,
	}
}

// ModeListener is invoked after every mode change, outside the manager lock.
type ModeListener func(models.ModeChange)

// DegradationManager moves between NORMAL, DEGRADED and CRITICAL one level
// at a time. Escalation happens on sustained high-alert gaps, limiter drop
// bursts and integrity alarms; a quiet RecoveryWindow steps one level down.
type DegradationManager struct {
	mu          sync.Mutex
	cfg         DegradationConfig
	mode        models.OperatingMode
	lastTrigger time.Time
	drops       []time.Time
	listeners   []ModeListener
	log         *logger.Log
}

// NewDegradationManager starts in NORMAL.
func NewDegradationManager(cfg DegradationConfig, log *logger.Log) *DegradationManager {
	def := DefaultDegradationConfig()
	if cfg.GapEscalation <= 0 {
		cfg.GapEscalation = def.GapEscalation
	}
	if cfg.DropBurst <= 0 {
		cfg.DropBurst = def.DropBurst
	}
	if cfg.DropWindow <= 0 {
		cfg.DropWindow = def.DropWindow
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = def.RecoveryWindow
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &DegradationManager{cfg: cfg, mode: models.ModeNormal, log: log}
}

// OnChange registers a listener for mode changes.
func (d *DegradationManager) OnChange(l ModeListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Mode returns the current operating mode.
func (d *DegradationManager) Mode() models.OperatingMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// ObserveHealth feeds a heartbeat snapshot. Reaching the consecutive gap
// threshold escalates and restarts the count towards the next level.
func (d *DegradationManager) ObserveHealth(h ConnectionHealth, now time.Time) {
	if h.ConsecutiveGapCount == 0 || h.ConsecutiveGapCount%d.cfg.GapEscalation != 0 {
		return
	}
	d.escalate(now, "sustained high-alert gaps")
}

// RecordDrop notes one rate limiter rejection.
func (d *DegradationManager) RecordDrop(now time.Time) {
	d.mu.Lock()
	cutoff := now.Add(-d.cfg.DropWindow)
	kept := d.drops[:0]
	for _, ts := range d.drops {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.drops = append(kept, now)
	burst := len(d.drops) >= d.cfg.DropBurst
	if burst {
		d.drops = d.drops[:0]
	}
	d.mu.Unlock()

	if burst {
		d.escalate(now, "rate limiter drop burst")
	}
}

// ConnectionFailed notes a failed dial or a dropped connection. Every
// GapEscalation consecutive failures escalate one level.
func (d *DegradationManager) ConnectionFailed(consecutive int, now time.Time) {
	if consecutive == 0 || consecutive%d.cfg.GapEscalation != 0 {
		return
	}
	d.escalate(now, "repeated connection failures")
}

// IntegrityAlarm escalates one level.
func (d *DegradationManager) IntegrityAlarm(kind string, now time.Time) {
	d.escalate(now, "integrity alarm: "+kind)
}

// Tick steps down one level when no trigger fired during the recovery
// window. It is driven by the pipeline's maintenance ticker.
func (d *DegradationManager) Tick(now time.Time) {
	d.mu.Lock()
	if d.mode == models.ModeNormal || now.Sub(d.lastTrigger) < d.cfg.RecoveryWindow {
		d.mu.Unlock()
		return
	}
	change := models.ModeChange{From: d.mode, To: d.mode - 1, Reason: "healthy window elapsed"}
	d.mode = change.To
	d.lastTrigger = now
	listeners := d.listeners
	d.mu.Unlock()

	d.notify(change, listeners)
}

// Reset returns to NORMAL, used on a fresh connect.
func (d *DegradationManager) Reset(now time.Time) {
	d.mu.Lock()
	from := d.mode
	d.mode = models.ModeNormal
	d.lastTrigger = now
	d.drops = d.drops[:0]
	listeners := d.listeners
	d.mu.Unlock()

	if from != models.ModeNormal {
		d.notify(models.ModeChange{From: from, To: models.ModeNormal, Reason: "reconnected"}, listeners)
	}
}

func (d *DegradationManager) escalate(now time.Time, reason string) {
	d.mu.Lock()
	d.lastTrigger = now
	if d.mode == models.ModeCritical {
		d.mu.Unlock()
		return
	}
	change := models.ModeChange{From: d.mode, To: d.mode + 1, Reason: reason}
	d.mode = change.To
	listeners := d.listeners
	d.mu.Unlock()

	d.notify(change, listeners)
}

func (d *DegradationManager) notify(change models.ModeChange, listeners []ModeListener) {
	entry := d.log.WithComponent("degradation").WithFields(logger.Fields{
		"from":   change.From.String(),
		"to":     change.To.String(),
		"reason": change.Reason,
	})
	if change.To > change.From {
		entry.Warn("operating mode escalated")
	} else {
		entry.Info("operating mode recovered")
	}
	for _, l := range listeners {
		l(change)
	}
}
