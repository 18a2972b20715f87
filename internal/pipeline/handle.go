package pipeline

import (
	"fmt"
	"time"

	"rugfeed/internal/bus"
	"rugfeed/internal/game"
	"rugfeed/internal/integrity"
	"rugfeed/internal/metrics"
	"rugfeed/internal/normalizer"
	"rugfeed/internal/protocol"
	"rugfeed/logger"
	"rugfeed/models"
)

// HandleRaw runs one raw frame through the pipeline. It is called from the
// single worker goroutine; game state and price history rely on that.
func (p *Pipeline) HandleRaw(raw models.RawFrame) {
	if p.Reader == nil && !raw.ReceivedAt.IsZero() {
		p.frameAt.Store(raw.ReceivedAt.UnixNano())
	}
	frame, ok := protocol.Parse(raw.Text)
	if !ok {
		p.Metrics.ParseError()
		p.log.WithComponent("pipeline").WithField("frame", truncate(raw.Text, 120)).Debug("unparseable frame dropped")
		return
	}
	p.Metrics.Frame(frame.Kind.String())

	switch frame.Kind {
	case models.FramePing, models.FramePong:
		return
	case models.FrameConnect:
		p.Health.Reset()
		p.Degradation.Reset(raw.ReceivedAt)
		p.Bus.Publish(bus.TopicConnectionState, frame)
		return
	case models.FrameDisconnect:
		p.Bus.Publish(bus.TopicConnectionState, frame)
		return
	}

	ev, ok := normalizer.Normalize(frame, raw.ReceivedAt)
	if !ok {
		p.Metrics.ParseError()
		return
	}

	p.Health.Observe(ev.EventType, raw.ReceivedAt)
	p.Degradation.ObserveHealth(p.Health.Snapshot(), raw.ReceivedAt)

	critical := false
	if sig, ok := game.Classify(ev); ok {
		sig.ReceivedAt = raw.ReceivedAt
		critical = sig.Critical()
		p.applySignal(sig)
	}

	if !p.Limiter.AcquirePriority(critical) {
		p.Metrics.Event(ev.EventType, metrics.OutcomeDropped)
		metrics.EmitDropMetric(p.log, metrics.DropMetricRateLimited, ev.EventType, p.Degradation.Mode().String())
		p.Degradation.RecordDrop(raw.ReceivedAt)
		return
	}
	if critical {
		p.Metrics.Event(ev.EventType, metrics.OutcomePriority)
	} else {
		p.Metrics.Event(ev.EventType, metrics.OutcomeAdmitted)
	}

	p.Bus.Publish(bus.TopicEvents, ev)

	mode := p.Degradation.Mode()
	if mode == models.ModeNormal || critical {
		p.Bus.Publish(bus.TopicBroadcast, ev)
	} else {
		metrics.EmitDropMetric(p.log, metrics.DropMetricSuppressed, ev.EventType, mode.String())
	}
}

// applySignal feeds the state machine and the price history, then checks
// what they recorded.
func (p *Pipeline) applySignal(sig models.GameSignal) {
	for _, tr := range p.Machine.Apply(sig) {
		p.Metrics.PhaseTo(tr.To.String())
		p.Bus.Publish(bus.TopicGamePhase, tr)
	}

	up := p.Prices.Handle(sig)
	rug := sig.Kind == models.SignalRug
	if up.Rejected > 0 {
		p.Metrics.IntegrityIssue("tick_out_of_range")
	}

	if up.Recorded && up.HasPrevious {
		if issue, ok := p.Integrity.CheckTick(sig.GameID, up.Previous, up.Price, rug); ok {
			p.reportIssue(issue, sig.At)
		}
	}
	if rug && sig.Price != nil {
		if issue, ok := p.Integrity.CheckRugPrice(sig.GameID, *sig.Price); ok {
			p.reportIssue(issue, sig.At)
		}
	}

	for _, gp := range up.Finalized {
		p.Metrics.GameFinalized(gp.HasGaps)
		p.Bus.Publish(bus.TopicGamePrices, gp)
		if issue, ok := p.Integrity.CheckGaps(gp.GameID, gp.GapCount); ok {
			p.reportIssue(issue, sig.At)
		}
	}
}

func (p *Pipeline) reportIssue(issue integrity.Issue, at time.Time) {
	p.Metrics.IntegrityIssue(string(issue.Kind))
	p.Bus.Publish(bus.TopicIntegrityIssue, issue)

	entry := p.log.WithComponent("integrity").WithGame(issue.GameID).WithFields(logger.Fields{
		"kind":      string(issue.Kind),
		"observed":  issue.Observed,
		"threshold": issue.Threshold,
	})
	if !issue.Alarm() {
		entry.Info("integrity observation recorded")
		return
	}
	entry.Warn("integrity threshold exceeded")
	p.Degradation.IntegrityAlarm(string(issue.Kind), at)
}

// Emit sends an event upstream and records it with direction sent.
func (p *Pipeline) Emit(event string, payload map[string]any) error {
	if p.Reader == nil {
		return fmt.Errorf("pipeline has no upstream connection")
	}
	text, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := p.Reader.Send(text); err != nil {
		return err
	}
	p.Bus.Publish(bus.TopicEvents, normalizer.Outgoing(event, payload, time.Now()))
	return nil
}

// persist is the store's bus subscription.
func (p *Pipeline) persist(e bus.Event) error {
	ev, ok := e.Payload.(models.NormalizedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", e.Payload)
	}
	env, err := models.NewEnvelope(ev, p.sessionID, p.cfg.Source.Name)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	if _, err := p.Store.Store(env); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	return nil
}

// maintain drives degradation recovery and stall detection.
func (p *Pipeline) maintain() {
	defer p.aux.Done()
	interval := p.cfg.Integrity.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			if p.Reader == nil {
				// offline: stalls are measured on the capture clock
				now = p.frameClock()
			}
			p.checkOnce(now)
		}
	}
}

func (p *Pipeline) checkOnce(now time.Time) {
	p.Degradation.Tick(now)

	live := make(map[string]struct{})
	for _, g := range p.Machine.Active() {
		live[g.GameID] = struct{}{}
		issue, stalled := p.Integrity.CheckStall(g.GameID, now.Sub(g.LastSeen))
		if !stalled {
			delete(p.stalled, g.GameID)
			continue
		}
		if _, reported := p.stalled[g.GameID]; reported {
			continue
		}
		p.stalled[g.GameID] = struct{}{}
		p.reportIssue(issue, now)
	}
	for id := range p.stalled {
		if _, ok := live[id]; !ok {
			delete(p.stalled, id)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
