package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanati/nextfeed/internal/model"
	"github.com/hanati/nextfeed/internal/session"
)

// fakeSubscriber records upstream ref-count operations.
type fakeSubscriber struct {
	mu           sync.Mutex
	subs         []model.InstrumentKey
	unsubs       []model.InstrumentKey
	subscribeErr error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, key model.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs = append(f.subs, key)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(ctx context.Context, key model.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, key)
	return nil
}

func (f *fakeSubscriber) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs), len(f.unsubs)
}

// startTestGateway serves the gateway endpoints from an httptest server.
func startTestGateway(t *testing.T) (*Gateway, *fakeSubscriber, *session.Registry, string) {
	t.Helper()
	sub := &fakeSubscriber{}
	gw, registry, base := startTestGatewayWith(t, sub)
	return gw, sub, registry, base
}

func startTestGatewayWith(t *testing.T, sub Subscriber) (*Gateway, *session.Registry, string) {
	t.Helper()

	registry := session.NewRegistry()

	gw := New(Config{
		ReadLimit:      4096,
		WriteTimeout:   time.Second,
		MaxSubsPerConn: 10,
		DefaultVenue:   model.VenueKIS,
	}, registry, map[model.Venue]Subscriber{model.VenueKIS: sub}, nil)
	gw.ctx, gw.cancel = context.WithCancel(context.Background())
	t.Cleanup(gw.cancel)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/quotes", gw.handleWS(model.StreamQuote))
	mux.HandleFunc("/ws/trades", gw.handleWS(model.StreamTrade))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return gw, registry, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeAck(t *testing.T) {
	_, sub, registry, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	waitFor(t, "session registered", func() bool { return registry.Len() == 1 })

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})

	reply := readReply(t, conn)
	if reply["type"] != "subscribe" || reply["status"] != "ok" || reply["instrumentId"] != "005930" {
		t.Errorf("ack = %v", reply)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 1 {
		t.Fatalf("upstream subscribes = %d, want 1", len(sub.subs))
	}
	want := model.InstrumentKey{Venue: model.VenueKIS, InstrumentID: "005930", Kind: model.StreamQuote}
	if sub.subs[0] != want {
		t.Errorf("subscribed key = %v, want %v", sub.subs[0], want)
	}
}

func TestTradeEndpointUsesTradeKind(t *testing.T) {
	_, sub, _, base := startTestGateway(t)
	conn := dial(t, base+"/ws/trades")

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
	readReply(t, conn)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 1 || sub.subs[0].Kind != model.StreamTrade {
		t.Errorf("subscribed keys = %v, want one trade key", sub.subs)
	}
}

func TestDuplicateSubscribeHitsUpstreamOnce(t *testing.T) {
	_, sub, _, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	for n := 0; n < 2; n++ {
		conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
		reply := readReply(t, conn)
		if reply["status"] != "ok" {
			t.Fatalf("ack %d = %v", n, reply)
		}
	}

	if subs, _ := sub.counts(); subs != 1 {
		t.Errorf("upstream subscribes = %d, want 1", subs)
	}
}

func TestRejectedRequests(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantMsg string
	}{
		{
			name:    "unknown action",
			payload: map[string]string{"action": "observe", "instrumentId": "005930"},
			wantMsg: "unknown action",
		},
		{
			name:    "missing instrument",
			payload: map[string]string{"action": "subscribe"},
			wantMsg: "instrumentId is required",
		},
		{
			name:    "unknown venue",
			payload: map[string]string{"action": "subscribe", "instrumentId": "005930", "venue": "nyse"},
			wantMsg: "unknown venue",
		},
		{
			name:    "unsubscribe without subscription",
			payload: map[string]string{"action": "unsubscribe", "instrumentId": "005930"},
			wantMsg: "not subscribed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sub, _, base := startTestGateway(t)
			conn := dial(t, base+"/ws/quotes")

			conn.WriteJSON(tt.payload)

			reply := readReply(t, conn)
			if reply["type"] != "error" {
				t.Fatalf("reply = %v, want error frame", reply)
			}
			if msg, _ := reply["message"].(string); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message = %q, want substring %q", msg, tt.wantMsg)
			}

			if subs, unsubs := sub.counts(); subs != 0 || unsubs != 0 {
				t.Errorf("upstream touched: subs=%d unsubs=%d, want none", subs, unsubs)
			}
		})
	}
}

func TestMalformedJSONGetsErrorFrame(t *testing.T) {
	_, _, _, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))

	reply := readReply(t, conn)
	if reply["type"] != "error" {
		t.Errorf("reply = %v, want error frame", reply)
	}
}

func TestUpstreamFailureRollsBackSession(t *testing.T) {
	_, sub, _, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	sub.mu.Lock()
	sub.subscribeErr = errors.New("venue rejected")
	sub.mu.Unlock()

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
	reply := readReply(t, conn)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v, want error frame", reply)
	}

	// Rolled back: the retry goes upstream again instead of being treated
	// as already subscribed.
	sub.mu.Lock()
	sub.subscribeErr = nil
	sub.mu.Unlock()

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
	reply = readReply(t, conn)
	if reply["status"] != "ok" {
		t.Fatalf("retry reply = %v, want ok", reply)
	}

	if subs, _ := sub.counts(); subs != 1 {
		t.Errorf("upstream subscribes = %d, want 1", subs)
	}
}

func TestDisconnectUnwindsSubscriptions(t *testing.T) {
	_, sub, registry, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	for _, id := range []string{"005930", "000660"} {
		conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": id})
		readReply(t, conn)
	}

	conn.Close()

	waitFor(t, "unwind", func() bool {
		_, unsubs := sub.counts()
		return unsubs == 2
	})

	if registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0 after disconnect", registry.Len())
	}

	seen := map[string]bool{}
	sub.mu.Lock()
	for _, k := range sub.unsubs {
		seen[k.InstrumentID] = true
	}
	sub.mu.Unlock()
	if !seen["005930"] || !seen["000660"] {
		t.Errorf("unwound instruments = %v, want both", seen)
	}
}

func TestTwoSessionsOneDisconnect(t *testing.T) {
	_, sub, registry, base := startTestGateway(t)

	conn1 := dial(t, base+"/ws/quotes")
	conn2 := dial(t, base+"/ws/quotes")

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
		readReply(t, conn)
	}

	conn1.Close()

	// Only the closed session's interest is unwound; the survivor keeps its
	// subscription and its registry entry.
	waitFor(t, "single unwind", func() bool {
		_, unsubs := sub.counts()
		return unsubs == 1
	})

	if registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", registry.Len())
	}
	if subs, _ := sub.counts(); subs != 2 {
		t.Errorf("upstream subscribes = %d, want 2", subs)
	}
}

// gatedSubscriber parks Subscribe until released, exposing the window
// between a client's subscribe request and the upstream increment landing.
type gatedSubscriber struct {
	fakeSubscriber
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubscriber) Subscribe(ctx context.Context, key model.InstrumentKey) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeSubscriber.Subscribe(ctx, key)
}

func TestTeardownDuringInflightSubscribe(t *testing.T) {
	sub := &gatedSubscriber{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	gw, registry, base := startTestGatewayWith(t, sub)
	conn := dial(t, base+"/ws/quotes")

	var target *session.Session
	waitFor(t, "session visible", func() bool {
		all := registry.All()
		if len(all) == 1 {
			target = all[0]
			return true
		}
		return false
	})

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
	<-sub.entered

	// The session dies (broadcast write failure path) while the upstream
	// call is still in flight.
	gw.Teardown(target)
	close(sub.release)

	// The late increment must not outlive the session: once the read loop
	// finishes, upstream registers and releases balance out.
	waitFor(t, "orphaned interest released", func() bool {
		subs, unsubs := sub.counts()
		return subs == 1 && unsubs == 1
	})

	if registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", registry.Len())
	}
	if got := len(target.Subscriptions()); got != 0 {
		t.Errorf("session still holds %d keys, want 0", got)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	gw, sub, registry, base := startTestGateway(t)
	conn := dial(t, base+"/ws/quotes")

	conn.WriteJSON(map[string]string{"action": "subscribe", "instrumentId": "005930"})
	readReply(t, conn)

	var target *session.Session
	waitFor(t, "session visible", func() bool {
		all := registry.All()
		if len(all) == 1 {
			target = all[0]
			return true
		}
		return false
	})

	gw.Teardown(target)
	gw.Teardown(target)

	if _, unsubs := sub.counts(); unsubs != 1 {
		t.Errorf("unwinds = %d, want exactly 1", unsubs)
	}
}
