package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmenglis/polyfill-go/internal/decode"
	"github.com/jmenglis/polyfill-go/internal/infra"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSServer runs handler for every incoming connection.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

func testConfig(url string) Config {
	return Config{
		WSURL:        url,
		PingInterval: time.Hour, // keep heartbeats out of the way
		ReadGrace:    time.Hour,
		Backoff:      infra.BackoffPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}
}

// resyncRecorder collects MarkOutOfSync calls.
type resyncRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (r *resyncRecorder) MarkOutOfSync(tokenIDs ...string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tokenIDs...)
	r.mu.Unlock()
}

func (r *resyncRecorder) marked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func readSubscribe(t *testing.T, conn *websocket.Conn) subscribeRequest {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Logf("read subscribe: %v", err)
		return subscribeRequest{}
	}
	var req subscribeRequest
	if err := json.Unmarshal(b, &req); err != nil {
		t.Errorf("subscribe not json: %s", b)
	}
	return req
}

func TestManager_SubscribeSendsSubscription(t *testing.T) {
	got := make(chan subscribeRequest, 1)
	server := newWSServer(t, func(conn *websocket.Conn) {
		got <- readSubscribe(t, conn)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil, nil, nil)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), []string{"tok-a", "tok-b"}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case req := <-got:
		if req.Type != ChannelMarket {
			t.Errorf("channel = %s, want market (default)", req.Type)
		}
		if len(req.AssetIDs) != 2 || req.AssetIDs[0] != "tok-a" {
			t.Errorf("assets_ids = %v", req.AssetIDs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a subscription")
	}
}

func TestManager_DeliversDecodedMessages(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		frames := []string{
			`{"event_type":"price_change","asset_id":"tok","side":"BUY","price":"0.45","size":"100","sequence":1}`,
			"PONG", // consumed, never delivered
			`{"event_type":"last_trade_price","asset_id":"tok","side":"SELL","price":"0.44","size":"5","sequence":2}`,
			`not even json`, // dropped, stream continues
			`{"event_type":"book","asset_id":"tok","sequence":3,"bids":[{"price":"0.45","size":"100"}],"asks":[]}`,
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil, nil, nil)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), []string{"tok"}, []Channel{ChannelMarket})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	want := []decode.MessageType{decode.MsgOrderDelta, decode.MsgTrade, decode.MsgBookSnapshot}
	for i, wantType := range want {
		select {
		case msg := <-sub.Messages():
			if msg.Type != wantType {
				t.Errorf("message %d type = %s, want %s", i, msg.Type, wantType)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestManager_ReconnectFlagsTokens(t *testing.T) {
	var mu sync.Mutex
	sessions := 0
	server := newWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		sessions++
		first := sessions == 1
		mu.Unlock()

		readSubscribe(t, conn)
		if first {
			return // drop the first connection immediately
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	recorder := &resyncRecorder{}
	m := NewManager(testConfig(wsURL(server)), nil, nil, recorder)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), []string{"tok-a", "tok-b"}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.marked()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	marked := recorder.marked()
	if len(marked) != 2 || marked[0] != "tok-a" || marked[1] != "tok-b" {
		t.Errorf("marked = %v, want [tok-a tok-b] after reconnect", marked)
	}
}

func TestManager_SubscriptionCloseIsFinal(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		time.Sleep(time.Second)
	})
	defer server.Close()

	m := NewManager(testConfig(wsURL(server)), nil, nil, nil)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), []string{"tok"}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub.Close()
	sub.Close() // idempotent

	if sub.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", sub.State())
	}
	// The message channel must be closed, not blocked.
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("message delivered after Close")
		}
	case <-time.After(time.Second):
		t.Error("message channel not closed")
	}
}

func TestManager_SubscribeAfterClose(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:0"), nil, nil, nil)
	m.Close()

	if _, err := m.Subscribe(context.Background(), []string{"tok"}, nil); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestManager_HeartbeatPing(t *testing.T) {
	pings := make(chan string, 4)
	server := newWSServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pings <- string(b)
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.ReadGrace = time.Second

	m := NewManager(cfg, nil, nil, nil)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), []string{"tok"}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case p := <-pings:
		if p != "PING" {
			t.Errorf("heartbeat = %q, want PING", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}
