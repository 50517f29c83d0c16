package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmenglis/polyfill-go/internal/infra"
)

// ConnState is the lifecycle state of one stream connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// connHandler is the venue-specific logic driven by a Worker.
type connHandler interface {
	ID() string
	URL() string
	// Subscribe sends the subscription set after a connection is
	// established.
	Subscribe(ctx context.Context, w *Worker) error
	// HandleFrame receives one raw frame. The buffer is reused after
	// the call returns; the handler must not retain it.
	HandleFrame(ctx context.Context, frame []byte)
	// Ping sends one application-level heartbeat.
	Ping(ctx context.Context, w *Worker) error
	// Resubscribed fires after a successful reconnect (never on the
	// first session).
	Resubscribed(ctx context.Context)
}

// Worker owns the lifecycle of one WebSocket connection: connect,
// subscribe, read-loop, heartbeat, and reconnect with jittered backoff.
// Writes are serialized; reads happen on a single loop goroutine.
type Worker struct {
	handler connHandler
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	state   atomic.Int32

	pool         *infra.BufferPool
	backoff      infra.BackoffPolicy
	pingInterval time.Duration
	readGrace    time.Duration
}

// NewWorker creates a worker. dialer may be nil for the default dialer.
func NewWorker(handler connHandler, dialer *websocket.Dialer, pool *infra.BufferPool,
	backoff infra.BackoffPolicy, pingInterval, readGrace time.Duration) *Worker {

	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if pool == nil {
		pool = infra.NewBufferPool(0)
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	if readGrace <= 0 {
		readGrace = 3 * pingInterval
	}
	return &Worker{
		handler:      handler,
		dialer:       dialer,
		pool:         pool,
		backoff:      backoff,
		pingInterval: pingInterval,
		readGrace:    readGrace,
	}
}

// Start launches the connection loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop tears the worker down deterministically: the read loop exits,
// the socket is closed and Stop returns only when both are done.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
	w.setState(StateClosed)
}

// State returns the current connection state.
func (w *Worker) State() ConnState {
	return ConnState(w.state.Load())
}

func (w *Worker) setState(s ConnState) {
	w.state.Store(int32(s))
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	sessions := 0
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if sessions == 0 {
			w.setState(StateConnecting)
		} else {
			w.setState(StateReconnecting)
		}

		if err := w.connect(ctx); err != nil {
			delay := w.backoff.Delay(retry)
			slog.Warn("ws connect failed",
				"id", w.handler.ID(), "retry", retry, "delay", delay, "err", err)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		if sessions > 0 {
			// A resumed stream is not sequence-contiguous with what
			// preceded the gap; downstream must be told.
			w.handler.Resubscribed(ctx)
		}
		sessions++

		w.setState(StateStreaming)
		w.process(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.setState(StateSubscribing)
	if err := w.handler.Subscribe(ctx, w); err != nil {
		w.close()
		return fmt.Errorf("subscribe: %w", err)
	}

	if w.pingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
	}

	slog.Info("ws connected", "id", w.handler.ID())
	return nil
}

// process reads frames until the connection dies. Each frame lands in a
// pooled buffer that is reclaimed once the handler returns.
func (w *Worker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.readGrace))
		_, r, err := c.NextReader()
		if err != nil {
			// Covers both I/O faults and missed heartbeats past the
			// grace window (read deadline).
			slog.Warn("ws read error", "id", w.handler.ID(), "err", err)
			w.close()
			return
		}

		buf := w.pool.Get()
		if _, err := io.Copy(buf, r); err != nil {
			w.pool.Put(buf)
			slog.Warn("ws frame read error", "id", w.handler.ID(), "err", err)
			w.close()
			return
		}
		w.handler.HandleFrame(ctx, buf.Bytes())
		w.pool.Put(buf)
	}
}

// pingLoop heartbeats one session. It exits as soon as the worker's
// current conn is no longer the session it was started for, so a
// reconnect never accumulates loops from prior sessions.
func (w *Worker) pingLoop(ctx context.Context, session *websocket.Conn) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			w.mu.RUnlock()
			if c != session {
				return
			}
			if err := w.handler.Ping(ctx, w); err != nil {
				slog.Warn("ws ping error", "id", w.handler.ID(), "err", err)
				w.close()
				return
			}
		}
	}
}

// Write sends one message, serialized against concurrent writers.
func (w *Worker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
