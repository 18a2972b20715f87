// Package broadcast forwards live events to a Kafka topic for downstream
// consumers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"rugfeed/config"
	"rugfeed/internal/bus"
	"rugfeed/internal/metrics"
	"rugfeed/logger"
	"rugfeed/models"
)

// MessageWriter is the part of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type message struct {
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	GameID     string         `json:"game_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Forwarder subscribes to the broadcast topic and writes each event as a
// JSON message keyed by game id.
type Forwarder struct {
	topic  string
	bus    *bus.Bus
	writer MessageWriter
	queue  chan kafka.Message
	token  bus.Token

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewForwarder(cfg config.KafkaConfig, b *bus.Bus) (*Forwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	f := newForwarder(w, cfg.Topic, b, 1024)
	f.log.WithComponent("kafka_broadcast").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka broadcast initialized")
	return f, nil
}

func newForwarder(w MessageWriter, topic string, b *bus.Bus, buffer int) *Forwarder {
	return &Forwarder{
		topic:  topic,
		bus:    b,
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		log:    logger.GetLogger(),
	}
}

func (f *Forwarder) Name() string { return "kafka_broadcast" }

func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("kafka broadcast already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.token = f.bus.Subscribe(bus.TopicBroadcast, f.enqueue)

	f.wg.Add(1)
	go f.run()

	f.log.WithComponent("kafka_broadcast").WithField("topic", f.topic).Info("kafka broadcast started")
	return nil
}

// enqueue runs on the bus dispatch goroutine and must not block it.
func (f *Forwarder) enqueue(e bus.Event) error {
	ev, ok := e.Payload.(models.NormalizedEvent)
	if !ok {
		return fmt.Errorf("unexpected broadcast payload %T", e.Payload)
	}
	data, err := json.Marshal(message{
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC(),
		GameID:     ev.GameID,
		Payload:    ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.GameID), Value: data, Time: ev.OccurredAt}
	select {
	case f.queue <- msg:
	default:
		f.dropped.Add(1)
		metrics.EmitDropMetric(f.log, metrics.DropMetricSuppressed, ev.EventType, "backpressure")
	}
	return nil
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg := <-f.queue:
			if err := f.writer.WriteMessages(f.ctx, msg); err != nil {
				f.failed.Add(1)
				f.log.WithComponent("kafka_broadcast").WithError(err).Warn("failed to write message")
				continue
			}
			f.sent.Add(1)
		}
	}
}

func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.bus.Unsubscribe(f.token)
	f.cancel()
	f.wg.Wait()
	f.drain()
	if err := f.writer.Close(); err != nil {
		f.log.WithComponent("kafka_broadcast").WithError(err).Warn("failed to close kafka writer")
	}
	f.log.WithComponent("kafka_broadcast").WithFields(logger.Fields{
		"sent":    f.sent.Load(),
		"failed":  f.failed.Load(),
		"dropped": f.dropped.Load(),
	}).Info("kafka broadcast stopped")
}

// drain writes messages still queued at stop in one bounded request.
func (f *Forwarder) drain() {
	var pending []kafka.Message
	for len(f.queue) > 0 {
		pending = append(pending, <-f.queue)
	}
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.writer.WriteMessages(ctx, pending...); err != nil {
		f.failed.Add(uint64(len(pending)))
		f.log.WithComponent("kafka_broadcast").WithError(err).WithField("messages", len(pending)).Warn("failed to flush queued messages")
		return
	}
	f.sent.Add(uint64(len(pending)))
}

func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load(), Dropped: f.dropped.Load()}
}
