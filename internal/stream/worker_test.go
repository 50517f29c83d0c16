package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmenglis/polyfill-go/internal/infra"
)

// countingHandler is a minimal connHandler for worker lifecycle tests.
type countingHandler struct {
	url   string
	pings atomic.Int32
}

func (h *countingHandler) ID() string                                     { return "COUNT" }
func (h *countingHandler) URL() string                                    { return h.url }
func (h *countingHandler) Subscribe(ctx context.Context, w *Worker) error { return nil }
func (h *countingHandler) HandleFrame(ctx context.Context, frame []byte)  {}
func (h *countingHandler) Resubscribed(ctx context.Context)               {}

func (h *countingHandler) Ping(ctx context.Context, w *Worker) error {
	h.pings.Add(1)
	return w.Write(websocket.TextMessage, []byte("PING"))
}

func TestWorker_SingleHeartbeatLoopAcrossReconnects(t *testing.T) {
	var mu sync.Mutex
	sessions := 0
	server := newWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		sessions++
		n := sessions
		mu.Unlock()
		if n <= 3 {
			return // drop immediately, forcing a reconnect
		}
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	h := &countingHandler{url: wsURL(server)}
	w := NewWorker(h, nil, nil,
		infra.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		25*time.Millisecond, time.Second)
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := sessions
		mu.Unlock()
		if n >= 4 && w.State() == StateStreaming {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := sessions
	mu.Unlock()
	if n < 4 {
		t.Fatalf("sessions = %d, want 4 (3 dropped + 1 surviving)", n)
	}

	// One heartbeat loop at 25ms produces ~8 pings in 200ms. Loops
	// leaked from the three dropped sessions would multiply that.
	h.pings.Store(0)
	time.Sleep(200 * time.Millisecond)
	if got := h.pings.Load(); got < 4 || got > 14 {
		t.Errorf("pings in 200ms = %d, want ~8 (exactly one heartbeat loop alive)", got)
	}

	// Stop waits for the heartbeat loop, so none may fire afterwards.
	w.Stop()
	after := h.pings.Load()
	time.Sleep(100 * time.Millisecond)
	if got := h.pings.Load(); got != after {
		t.Errorf("pings after Stop went %d -> %d, heartbeat loop leaked", after, got)
	}
}
