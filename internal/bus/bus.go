// Package bus is the in-process publish/subscribe dispatcher. Publish never
// blocks: events are queued and delivered in order by one dispatch
// goroutine.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"rugfeed/logger"
)

// Topics published by the pipeline.
const (
	TopicEvents          = "events"
	TopicBroadcast       = "broadcast"
	TopicGamePrices      = "game_prices_complete"
	TopicGamePhase       = "game_phase"
	TopicIntegrityIssue  = "integrity_issue"
	TopicOperatingMode   = "operating_mode"
	TopicBatchCommitted  = "batch_committed"
	TopicConnectionState = "connection_state"
)

var (
	ErrNotRunning = errors.New("event bus is not running")
	ErrStopped    = errors.New("event bus is stopped")
)

// Event is one published payload.
type Event struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// Handler processes an event. A returned error is logged; it never stops
// dispatch to other handlers.
type Handler func(Event) error

// Token identifies a subscription for Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
	alive   func() bool // nil for strong subscriptions
}

// Stats are monotonic dispatch counters.
type Stats struct {
	Published uint64
	Delivered uint64
	Failed    uint64
	Rejected  uint64
	Pending   int
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	topics map[Token]string
	next   Token

	queue   *queue[Event]
	state   sync.Mutex
	running bool
	stopped bool
	done    chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	log *logger.Entry
}

func New(log *logger.Log) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		topics: make(map[Token]string),
		queue:  newQueue[Event](256),
		done:   make(chan struct{}),
		log:    log.WithComponent("event_bus"),
	}
}

// Subscribe registers a handler that lives until Unsubscribe or ClearAll.
func (b *Bus) Subscribe(topic string, h Handler) Token {
	return b.add(topic, &subscription{handler: h})
}

// SubscribeWeak registers fn against owner without keeping owner alive.
// Once owner is garbage collected the subscription is pruned.
func SubscribeWeak[T any](b *Bus, topic string, owner *T, fn func(*T, Event) error) Token {
	wp := weak.Make(owner)
	sub := &subscription{
		alive: func() bool { return wp.Value() != nil },
		handler: func(e Event) error {
			o := wp.Value()
			if o == nil {
				return nil
			}
			return fn(o, e)
		},
	}
	return b.add(topic, sub)
}

func (b *Bus) add(topic string, sub *subscription) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub.token = b.next
	b.subs[topic] = append(b.subs[topic], sub)
	b.topics[sub.token] = topic
	return sub.token
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.topics[token]
	if !ok {
		return
	}
	delete(b.topics, token)
	b.removeLocked(topic, func(s *subscription) bool { return s.token == token })
}

func (b *Bus) removeLocked(topic string, drop func(*subscription) bool) {
	subs := b.subs[topic]
	kept := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if drop(s) {
			delete(b.topics, s.token)
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = kept
}

// ClearAll removes every subscription.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.topics = make(map[Token]string)
}

// Subscribers counts live subscriptions on topic, pruning collected weak
// owners first.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(topic, dead)
	return len(b.subs[topic])
}

func dead(s *subscription) bool {
	return s.alive != nil && !s.alive()
}

// Publish queues payload for dispatch and returns immediately. It reports
// false once the bus has been stopped.
func (b *Bus) Publish(topic string, payload any) bool {
	if !b.queue.push(Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}) {
		b.rejected.Add(1)
		return false
	}
	b.published.Add(1)
	return true
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() error {
	b.state.Lock()
	defer b.state.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return fmt.Errorf("event bus already running")
	}
	b.running = true
	go b.loop()
	b.log.Info("event bus started")
	return nil
}

// Stop refuses new events, drains the queue and waits up to timeout for the
// dispatch goroutine to finish.
func (b *Bus) Stop(timeout time.Duration) error {
	b.state.Lock()
	if !b.running {
		b.state.Unlock()
		return ErrNotRunning
	}
	b.running = false
	b.stopped = true
	b.state.Unlock()

	b.queue.close()

	select {
	case <-b.done:
		b.log.WithFields(logger.Fields{
			"published": b.published.Load(),
			"delivered": b.delivered.Load(),
			"failed":    b.failed.Load(),
		}).Info("event bus stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event bus drain timed out after %s with %d events pending", timeout, b.queue.len())
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		ev, ok := b.queue.pop()
		if !ok {
			return
		}
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Topic]
	b.mu.RUnlock()

	pruned := false
	for _, s := range subs {
		if dead(s) {
			pruned = true
			continue
		}
		if err := b.invoke(s, ev); err != nil {
			b.failed.Add(1)
			b.log.WithError(err).WithFields(logger.Fields{
				"topic": ev.Topic,
				"token": uint64(s.token),
			}).Warn("event handler failed")
			continue
		}
		b.delivered.Add(1)
	}

	if pruned {
		b.mu.Lock()
		b.removeLocked(ev.Topic, dead)
		b.mu.Unlock()
	}
}

func (b *Bus) invoke(s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ev)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Rejected:  b.rejected.Load(),
		Pending:   b.queue.len(),
	}
}
