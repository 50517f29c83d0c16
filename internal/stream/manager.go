// Package stream owns the market-data feed: subscription-scoped
// WebSocket connections, frame decoding and fan-out to consumers.
// Ordering within one connection is preserved; ordering across
// independent connections is not guaranteed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmenglis/polyfill-go/internal/decode"
	"github.com/jmenglis/polyfill-go/internal/infra"
	"github.com/jmenglis/polyfill-go/internal/obs"
)

// Channel selects a feed channel type.
type Channel string

const (
	// ChannelMarket carries book snapshots, deltas, trades and tick
	// size changes for subscribed tokens.
	ChannelMarket Channel = "market"
	// ChannelUser carries the caller's own order/trade events.
	ChannelUser Channel = "user"
)

// ErrClosed is returned by Subscribe after the manager shut down.
var ErrClosed = errors.New("stream manager closed")

// ResyncNotifier is told which tokens lost sequence continuity after a
// reconnect. The book manager implements it.
type ResyncNotifier interface {
	MarkOutOfSync(tokenIDs ...string)
}

// Config tunes the stream manager.
type Config struct {
	WSURL            string
	PingInterval     time.Duration
	ReadGrace        time.Duration
	Backoff          infra.BackoffPolicy
	SubscriberBuffer int // per-subscription channel depth
}

// Manager owns one connection per subscription and fans decoded
// messages out to the subscription's consumer.
type Manager struct {
	cfg     Config
	decoder *decode.Decoder
	pool    *infra.BufferPool
	metrics obs.Metrics
	resync  ResyncNotifier
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conns  map[uuid.UUID]*connection
	closed bool
}

// NewManager creates a stream manager. dns may be nil; resync may be
// nil when no book manager is attached.
func NewManager(cfg Config, dns *infra.DNSCache, metrics obs.Metrics, resync ResyncNotifier) *Manager {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 1024
	}
	if cfg.Backoff.Base == 0 && cfg.Backoff.Max == 0 {
		cfg.Backoff = infra.DefaultBackoff
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if dns != nil {
		dialer.NetDialContext = dns.DialContext
	}

	m := obs.OrNoop(metrics)
	return &Manager{
		cfg:     cfg,
		decoder: decode.NewDecoder(m),
		pool:    infra.NewBufferPool(4096),
		metrics: m,
		resync:  resync,
		dialer:  dialer,
	}
}

// Subscribe opens a dedicated connection for the given tokens and
// channel types and returns its handle. The message sequence is
// infinite and not restartable: a reconnect continues delivery on the
// same handle, but with no sequence continuity guarantee (affected
// books are flagged through the ResyncNotifier).
func (m *Manager) Subscribe(ctx context.Context, tokenIDs []string, channels []Channel) (*Subscription, error) {
	if len(channels) == 0 {
		channels = []Channel{ChannelMarket}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.conns == nil {
		m.conns = make(map[uuid.UUID]*connection)
	}

	c := &connection{
		id:       uuid.New(),
		mgr:      m,
		tokens:   append([]string(nil), tokenIDs...),
		channels: channels,
	}
	c.sub = &Subscription{
		id:   c.id,
		conn: c,
		ch:   make(chan *decode.Message, m.cfg.SubscriberBuffer),
	}
	c.worker = NewWorker(c, m.dialer, m.pool, m.cfg.Backoff, m.cfg.PingInterval, m.cfg.ReadGrace)
	m.conns[c.id] = c
	m.mu.Unlock()

	c.worker.Start(ctx)
	return c.sub, nil
}

// Close tears down every connection and releases their sockets.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.sub.Close()
	}
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// Subscription is the consumer handle for one connection's message
// stream.
type Subscription struct {
	id        uuid.UUID
	conn      *connection
	ch        chan *decode.Message
	closeOnce sync.Once
}

// ID identifies the subscription.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Tokens returns the subscribed token ids.
func (s *Subscription) Tokens() []string {
	return append([]string(nil), s.conn.tokens...)
}

// Messages returns the decoded message sequence in arrival order.
// The channel closes when the subscription is closed.
func (s *Subscription) Messages() <-chan *decode.Message { return s.ch }

// State reports the underlying connection state.
func (s *Subscription) State() ConnState { return s.conn.worker.State() }

// Close terminates the read loop, releases the connection and closes
// the message channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.conn.worker.Stop()
		close(s.ch)
		s.conn.mgr.remove(s.id)
	})
}

// connection adapts one subscription to the worker's handler interface.
type connection struct {
	id       uuid.UUID
	mgr      *Manager
	tokens   []string
	channels []Channel
	worker   *Worker
	sub      *Subscription
}

type subscribeRequest struct {
	AssetIDs []string `json:"assets_ids"`
	Type     Channel  `json:"type"`
}

func (c *connection) ID() string  { return c.id.String()[:8] }
func (c *connection) URL() string { return c.mgr.cfg.WSURL }

// Subscribe re-issues the full subscription set; the same message is
// sent on every (re)connect.
func (c *connection) Subscribe(ctx context.Context, w *Worker) error {
	for _, ch := range c.channels {
		req := subscribeRequest{AssetIDs: c.tokens, Type: ch}
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := w.Write(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

// HandleFrame decodes one frame and forwards it. A malformed frame is
// logged and dropped; heartbeats are consumed here. Slow consumers
// lose messages rather than stalling the read loop.
func (c *connection) HandleFrame(ctx context.Context, frame []byte) {
	msg, err := c.mgr.decoder.Decode(frame)
	if err != nil {
		slog.Debug("dropping malformed frame", "conn", c.ID(), "err", err)
		return
	}
	if msg.Type == decode.MsgHeartbeat {
		return
	}

	select {
	case c.sub.ch <- msg:
	default:
		c.mgr.metrics.SubscriberDrop()
	}
}

func (c *connection) Ping(ctx context.Context, w *Worker) error {
	return w.Write(websocket.TextMessage, []byte("PING"))
}

// Resubscribed fires after a reconnect: every token this connection
// carries must be flagged, independent of other connections.
func (c *connection) Resubscribed(ctx context.Context) {
	c.mgr.metrics.Reconnect(c.ID())
	slog.Info("ws resubscribed after reconnect", "conn", c.ID(), "tokens", len(c.tokens))
	if c.mgr.resync != nil {
		c.mgr.resync.MarkOutOfSync(c.tokens...)
	}
}
