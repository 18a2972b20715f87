// Package pipeline wires the feed: socket reader, frame parsing, health and
// degradation tracking, game state, price history, integrity checks, the
// event bus, the durable store and optional outputs. A Pipeline is built
// in main and owns every component; nothing here is global.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rugfeed/config"
	"rugfeed/internal/bus"
	"rugfeed/internal/channel"
	"rugfeed/internal/game"
	"rugfeed/internal/health"
	"rugfeed/internal/integrity"
	"rugfeed/internal/metrics"
	"rugfeed/internal/prices"
	"rugfeed/internal/ratelimit"
	"rugfeed/internal/status"
	"rugfeed/internal/store"
	"rugfeed/logger"
	"rugfeed/models"
	"rugfeed/reader/socketio"
)

type Pipeline struct {
	cfg       config.Config
	sessionID string
	log       *logger.Log

	Bus         *bus.Bus
	Channels    *channel.Channels
	Reader      *socketio.Reader
	Store       *store.Store
	Limiter     *ratelimit.Limiter
	Health      *health.Monitor
	Degradation *health.DegradationManager
	Integrity   *integrity.Monitor
	Machine     *game.Machine
	Prices      *prices.Handler
	Metrics     *metrics.Collector

	components []Component
	stalled    map[string]struct{} // touched only by the maintenance goroutine
	frameAt    atomic.Int64        // offline limiter clock: arrival of the frame being handled
	fatal      chan error

	ctx     context.Context
	cancel  context.CancelFunc
	worker  sync.WaitGroup
	aux     sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New builds every core component and resolves cfg.Components.Enabled
// through registry. A nil registry means DefaultRegistry.
func New(ctx context.Context, cfg config.Config, registry *Registry) (*Pipeline, error) {
	log := logger.GetLogger()

	sessionID := cfg.Store.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	st, err := store.Open(store.Config{
		Dir:              cfg.Store.Dir,
		MaxBufferSize:    cfg.Store.MaxBufferSize,
		FlushInterval:    cfg.Store.FlushInterval,
		MaxFlushFailures: cfg.Store.MaxFlushFailures,
		MinFreeBytes:     cfg.Store.MinFreeBytes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	// Without a source URL the pipeline runs offline and frames arrive
	// through HandleRaw only.
	channels := channel.NewChannels(cfg.Channels.RawBuffer)
	var rd *socketio.Reader
	if cfg.Source.URL != "" {
		rd, err = socketio.NewReader(cfg.Source, channels)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create socket.io reader: %w", err)
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		sessionID: sessionID,
		log:       log,
		Bus:       bus.New(log),
		Channels:  channels,
		Reader:    rd,
		Store:     st,
		Health: health.NewMonitor(cfg.Health.HeartbeatEvent, health.Thresholds{
			Baseline: cfg.Health.BaselineInterval,
			Warning:  cfg.Health.WarningThreshold,
			High:     cfg.Health.HighThreshold,
		}),
		Degradation: health.NewDegradationManager(health.DegradationConfig{
			GapEscalation:  cfg.Degradation.GapEscalation,
			DropBurst:      cfg.Degradation.DropBurst,
			DropWindow:     cfg.Degradation.DropWindow,
			RecoveryWindow: cfg.Degradation.RecoveryWindow,
		}, log),
		Integrity: integrity.NewMonitor(integrity.Thresholds{
			MaxGapCount:   cfg.Integrity.MaxGapCount,
			MaxTickDrop:   cfg.Integrity.MaxTickDrop,
			StallAfter:    cfg.Integrity.StallAfter,
			RugFloorPrice: cfg.Integrity.RugFloorPrice,
		}),
		Machine: game.NewMachine(log),
		Prices:  prices.NewHandler(log, prices.WithMaxTicks(cfg.Prices.MaxTicks)),
		Metrics: metrics.NewCollector(),
		stalled: make(map[string]struct{}),
		fatal:   make(chan error, 1),
	}
	var limiterOpts []ratelimit.Option
	if rd == nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(p.frameClock))
	}
	p.Limiter = ratelimit.New(cfg.RateLimit.EventsPerSecond, cfg.RateLimit.Capacity, limiterOpts...)
	p.wire()

	if registry == nil {
		registry = DefaultRegistry()
	}
	p.components, err = registry.Build(ctx, p, cfg.Components.Enabled)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	log.WithComponent("pipeline").WithFields(logger.Fields{
		"session_id": sessionID,
		"store_dir":  cfg.Store.Dir,
		"components": len(p.components),
	}).Info("pipeline constructed")
	return p, nil
}

func (p *Pipeline) SessionID() string { return p.sessionID }

// frameClock drives the limiter when there is no live connection, so
// replayed frames are admitted at their captured pace rather than at
// replay speed.
func (p *Pipeline) frameClock() time.Time {
	return time.Unix(0, p.frameAt.Load()).UTC()
}

func (p *Pipeline) Config() config.Config { return p.cfg }

// Fatal delivers the first unrecoverable storage error.
func (p *Pipeline) Fatal() <-chan error { return p.fatal }

func (p *Pipeline) wire() {
	p.Bus.Subscribe(bus.TopicEvents, p.persist)

	p.Store.OnCommit(func(b store.Batch) {
		p.Metrics.BatchCommitted(b.Records, b.Bytes)
		if !p.Bus.Publish(bus.TopicBatchCommitted, b) {
			p.log.WithComponent("pipeline").WithField("path", b.RelPath).
				Warn("batch committed after event bus stop; not announced")
		}
	})
	p.Store.OnFatal(func(err error) {
		metrics.EmitMetric(p.log, "event_store", "store_fatal", 1, "counter", logger.Fields{"unit": "count"})
		select {
		case p.fatal <- err:
		default:
		}
	})

	p.Degradation.OnChange(p.onModeChange)
	if p.Reader != nil {
		p.Reader.OnState(p.onConnectionState)
	}
}

func (p *Pipeline) onModeChange(change models.ModeChange) {
	factor := 1.0
	switch change.To {
	case models.ModeDegraded:
		factor = p.cfg.RateLimit.DegradedFactor
	case models.ModeCritical:
		factor = p.cfg.RateLimit.CriticalFactor
	}
	p.Limiter.SetTolerance(factor)
	p.Metrics.Mode(int(change.To))
	p.Bus.Publish(bus.TopicOperatingMode, change)
}

func (p *Pipeline) onConnectionState(c socketio.StateChange) {
	if c.Connected {
		if c.Attempt > 1 {
			p.Metrics.Reconnect()
		}
	} else {
		p.Degradation.ConnectionFailed(c.ConsecutiveFailures, c.At)
	}
	p.Bus.Publish(bus.TopicConnectionState, c)
}

// Start brings up the bus, store, worker, maintenance loop, optional
// components and finally the reader. Call Stop even when Start fails
// part way.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.Bus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := p.Store.Start(p.ctx); err != nil {
		return fmt.Errorf("start event store: %w", err)
	}

	p.worker.Add(1)
	go p.work()

	p.aux.Add(1)
	go p.maintain()

	if addr := p.cfg.Metrics.ListenAddr; addr != "" {
		srv := status.NewServer(addr, p.cfg.Metrics.History, p.Metrics, func() any { return p.Status() }, p.log)
		p.aux.Add(1)
		go func() {
			defer p.aux.Done()
			if err := srv.Run(p.ctx); err != nil {
				p.log.WithComponent("pipeline").WithError(err).Error("status server failed")
			}
		}()
	}

	metrics.StartChannelSizeMetrics(p.ctx, p.Channels, p.cfg.Logging.ReportInterval)

	for _, c := range p.components {
		if err := c.Start(p.ctx); err != nil {
			return fmt.Errorf("start component %s: %w", c.Name(), err)
		}
	}

	if p.Reader != nil {
		if err := p.Reader.Start(p.ctx); err != nil {
			return fmt.Errorf("start reader: %w", err)
		}
	}

	p.log.WithComponent("pipeline").WithField("session_id", p.sessionID).Info("pipeline started")
	return nil
}

func (p *Pipeline) work() {
	defer p.worker.Done()
	for raw := range p.Channels.Raw {
		p.HandleRaw(raw)
	}
}

// Stop shuts down in order: reader and worker, bus drain, final store
// flush, then optional components. Each step is bounded by the shutdown
// step timeout; a step that overruns is logged and skipped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	timeout := p.cfg.Shutdown.StepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := p.log.WithComponent("pipeline")
	log.Info("stopping pipeline")

	p.step("reader", timeout, func() {
		if p.Reader != nil {
			p.Reader.Stop()
		}
		p.Channels.Close()
		p.worker.Wait()
	})

	p.step("event_bus", timeout, func() {
		if err := p.Bus.Stop(p.cfg.Bus.StopTimeout); err != nil {
			log.WithError(err).Warn("event bus drain incomplete")
		}
	})

	storeErr := make(chan error, 1)
	p.step("event_store", timeout, func() {
		storeErr <- p.Store.Close()
	})

	for i := len(p.components) - 1; i >= 0; i-- {
		c := p.components[i]
		p.step(c.Name(), timeout, c.Stop)
	}

	p.cancel()
	p.aux.Wait()

	log.WithFields(logger.Fields{
		"session_id":   p.sessionID,
		"last_seq":     p.Store.LastSequence(p.sessionID),
		"limiter_drop": p.Limiter.Stats().Dropped,
	}).Info("pipeline stopped")

	select {
	case err := <-storeErr:
		return err
	default:
		return fmt.Errorf("event store close timed out after %s", timeout)
	}
}

func (p *Pipeline) step(name string, timeout time.Duration, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"step":    name,
			"timeout": timeout.String(),
		}).Error("shutdown step timed out, skipping")
	}
}
