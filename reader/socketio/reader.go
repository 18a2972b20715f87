// Package socketio reads the upstream Socket.IO feed over a websocket and
// hands every text frame to the raw frame channel.
package socketio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"rugfeed/config"
	"rugfeed/internal/channel"
	"rugfeed/internal/protocol"
	"rugfeed/logger"
	"rugfeed/models"
)

const (
	defaultReconnectDelay   = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	// engine.io pingInterval plus pingTimeout, with margin
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// StateChange is reported on every connect and disconnect.
type StateChange struct {
	Connected           bool
	Attempt             uint64
	ConsecutiveFailures int
	Err                 error
	At                  time.Time
}

type Stats struct {
	Attempts   uint64
	Reconnects uint64
	Frames     uint64
	Sent       uint64
}

type Reader struct {
	cfg      config.SourceConfig
	channels *channel.Channels
	dialer   *websocket.Dialer
	url      string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	connMu  sync.Mutex
	conn    *websocket.Conn
	onState func(StateChange)

	attempts atomic.Uint64
	frames   atomic.Uint64
	sent     atomic.Uint64
}

func NewReader(cfg config.SourceConfig, ch *channel.Channels) (*Reader, error) {
	if ch == nil {
		return nil, fmt.Errorf("nil frame channels provided")
	}
	target, err := socketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	return &Reader{
		cfg:      cfg,
		channels: ch,
		url:      target,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferBytes,
		},
		log: logger.GetLogger(),
	}, nil
}

// socketURL adds the engine.io websocket path and query when raw omits them.
func socketURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("source url not configured")
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported source url scheme %q", u.Scheme)
	}
	if !strings.Contains(u.Path, "/socket.io") {
		u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	}
	q := u.Query()
	if q.Get("EIO") == "" {
		q.Set("EIO", "4")
	}
	if q.Get("transport") == "" {
		q.Set("transport", "websocket")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OnState registers the connection state callback. It must be set before
// Start.
func (r *Reader) OnState(fn func(StateChange)) {
	r.onState = fn
}

func (r *Reader) Name() string { return "socketio_reader" }

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("socket.io reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("socketio_reader").WithFields(logger.Fields{
		"url":       r.url,
		"namespace": r.cfg.Namespace,
	}).Info("starting socket.io reader")

	r.wg.Add(1)
	go r.run()
	return nil
}

// Stop closes the live connection, waits for the read loop and closes the
// raw frame channel.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("socketio_reader").Info("stopping socket.io reader")
	r.cancel()
	r.connMu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.connMu.Unlock()
	r.wg.Wait()
	r.channels.Close()
	r.log.WithComponent("socketio_reader").Info("socket.io reader stopped")
}

// Send writes one text frame on the live connection.
func (r *Reader) Send(text string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("socket.io reader not connected")
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	r.sent.Add(1)
	return nil
}

func (r *Reader) Stats() Stats {
	attempts := r.attempts.Load()
	var reconnects uint64
	if attempts > 1 {
		reconnects = attempts - 1
	}
	return Stats{Attempts: attempts, Reconnects: reconnects, Frames: r.frames.Load(), Sent: r.sent.Load()}
}

func (r *Reader) run() {
	defer r.wg.Done()

	log := r.log.WithComponent("socketio_reader").WithFields(logger.Fields{
		"source": r.cfg.Name,
	})
	header := http.Header{}
	for k, v := range r.cfg.Headers {
		header.Set(k, v)
	}

	failures := 0
	for {
		if r.ctx.Err() != nil {
			return
		}

		attempt := r.attempts.Add(1)
		conn, _, err := r.dialer.DialContext(r.ctx, r.url, header)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			failures++
			log.WithError(err).WithField("attempt", attempt).Warn("failed to connect to socket.io feed")
			r.notify(StateChange{Attempt: attempt, ConsecutiveFailures: failures, Err: err, At: time.Now()})
			if waitForReconnect(r.ctx, r.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()
		failures = 0
		log.WithField("attempt", attempt).Info("connected to socket.io feed")
		r.notify(StateChange{Connected: true, Attempt: attempt, At: time.Now()})

		err = r.readMessages(conn)

		r.connMu.Lock()
		r.conn = nil
		r.connMu.Unlock()
		conn.Close()

		if r.ctx.Err() != nil {
			return
		}
		failures++
		log.WithError(err).Warn("socket.io read loop ended, reconnecting")
		r.notify(StateChange{Attempt: attempt, ConsecutiveFailures: failures, Err: err, At: time.Now()})

		if waitForReconnect(r.ctx, r.cfg.ReconnectDelay) {
			return
		}
	}
}

// readMessages answers engine.io pings and the open packet inline and
// forwards every text frame, control frames included.
func (r *Reader) readMessages(conn *websocket.Conn) error {
	for {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		text := string(msg)
		received := time.Now()

		switch {
		case text == "2":
			if err := r.Send(protocol.EncodePong()); err != nil {
				return err
			}
		case strings.HasPrefix(text, "0"):
			if err := r.Send(protocol.EncodeNamespaceConnect(r.cfg.Namespace)); err != nil {
				return err
			}
		}

		r.frames.Add(1)
		r.channels.SendRaw(r.ctx, models.RawFrame{
			Source:     r.cfg.Name,
			Text:       text,
			ReceivedAt: received,
		})
	}
}

func (r *Reader) notify(change StateChange) {
	if r.onState != nil {
		r.onState(change)
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
