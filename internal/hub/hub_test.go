package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeConn satisfies wsConn and records closes.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) WriteMessage(_ int, _ []byte) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// connect registers a client directly, bypassing the Run loop, and
// discards the handshake frame.
func connect(h *Hub, userID int64) *Client {
	c := newClient(userID, &fakeConn{})
	h.add(c)
	<-c.send
	return c
}

// recvMsg reads one frame from the client's send channel.
func recvMsg(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func assertNoMsg(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

// --- Connection lifecycle ---

func TestAdd_TracksConnection(t *testing.T) {
	h := NewHub(nil)
	c := connect(h, 1)

	if h.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection, got %d", h.ConnectionCount())
	}
	if c.State() != StateConnected {
		t.Errorf("expected CONNECTED, got %d", c.State())
	}
}

func TestRegister_DeliversConnectedHandshake(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// The handshake must arrive even though Register only queues the
	// client for the run loop; it cannot race the registration.
	c := newClient(7, &fakeConn{})
	h.Register(c)

	msg := recvMsg(t, c)
	if msg["type"] != "connected" {
		t.Fatalf("first frame must be connected, got %v", msg["type"])
	}
	if msg["user_id"] != float64(7) {
		t.Errorf("handshake should carry the user id, got %v", msg["user_id"])
	}
}

func TestDrop_ScrubsSubscriptions(t *testing.T) {
	h := NewHub(nil)
	c := connect(h, 1)
	h.SubscribeTournament(1, 5)
	h.SubscribeSymbol(1, "BTCUSDT")

	h.drop(c)

	if h.ConnectionCount() != 0 {
		t.Errorf("expected 0 connections, got %d", h.ConnectionCount())
	}
	if h.TournamentSubscribers(5) != 0 {
		t.Errorf("tournament subscription should be scrubbed")
	}
	if h.SymbolSubscribers("BTCUSDT") != 0 {
		t.Errorf("symbol subscription should be scrubbed")
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %d", c.State())
	}
	if !c.conn.(*fakeConn).isClosed() {
		t.Error("underlying connection should be closed")
	}
}

func TestDrop_IsTerminal(t *testing.T) {
	h := NewHub(nil)
	c := connect(h, 1)

	h.drop(c)
	h.drop(c) // second drop must be a no-op, not a panic

	h.SendToUser(1, errorMsg{Type: "error", Message: "x"})
	if c.enqueue([]byte("x")) {
		t.Error("enqueue must fail after disconnect")
	}
}

func TestAdd_ReconnectSupersedes(t *testing.T) {
	h := NewHub(nil)
	old := connect(h, 1)
	h.SubscribeTournament(1, 5)

	fresh := connect(h, 1)

	if h.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection after reconnect, got %d", h.ConnectionCount())
	}
	if old.State() != StateDisconnected {
		t.Error("superseded connection should be disconnected")
	}
	if fresh.State() != StateConnected {
		t.Error("new connection should be connected")
	}
	// Subscriptions are keyed by user and survive the reconnect.
	if h.TournamentSubscribers(5) != 1 {
		t.Error("subscription should survive the reconnect")
	}
}

// --- Broadcast scoping ---

func TestBroadcastToTournament_OnlySubscribers(t *testing.T) {
	h := NewHub(nil)
	c1 := connect(h, 1)
	c2 := connect(h, 2)
	c3 := connect(h, 3)

	h.SubscribeTournament(1, 5)
	h.SubscribeTournament(2, 5)
	h.SubscribeTournament(3, 9) // different tournament

	h.BroadcastTradeExecuted(5, model.Trade{ID: 77, Symbol: "BTCUSDT"}, d(9000))

	for _, c := range []*Client{c1, c2} {
		msg := recvMsg(t, c)
		if msg["type"] != "trade_executed" {
			t.Errorf("expected trade_executed, got %v", msg["type"])
		}
	}
	assertNoMsg(t, c3)
}

func TestBroadcastPrice_OnlySymbolSubscribers(t *testing.T) {
	h := NewHub(nil)
	c1 := connect(h, 1)
	c2 := connect(h, 2)

	h.SubscribeSymbol(1, "BTCUSDT")
	h.SubscribeSymbol(2, "ETHUSDT")

	h.BroadcastPrice("BTCUSDT", market.Tick{Symbol: "BTCUSDT", Price: d(50000)})

	msg := recvMsg(t, c1)
	if msg["type"] != "price_update" {
		t.Errorf("expected price_update, got %v", msg["type"])
	}
	assertNoMsg(t, c2)
}

func TestBroadcast_SendFailureDropsOnlyThatClient(t *testing.T) {
	h := NewHub(nil)
	stuck := connect(h, 1)
	healthy := connect(h, 2)
	h.SubscribeTournament(1, 5)
	h.SubscribeTournament(2, 5)

	// Saturate the stuck client's buffer so the next enqueue fails.
	for i := 0; i < cap(stuck.send); i++ {
		stuck.enqueue([]byte("{}"))
	}

	h.BroadcastToTournament(5, errorMsg{Type: "error", Message: "x"})

	if stuck.State() != StateDisconnected {
		t.Error("client with full buffer should be dropped")
	}
	if healthy.State() != StateConnected {
		t.Error("healthy client must stay connected")
	}
	if msg := recvMsg(t, healthy); msg["type"] != "error" {
		t.Errorf("healthy client should receive the frame, got %v", msg["type"])
	}
}

// --- Tick handling ---

type fakeWatcher struct {
	mu      sync.Mutex
	symbols []string
	prices  []decimal.Decimal
}

func (f *fakeWatcher) CheckAndCloseOrders(_ context.Context, symbol string, price decimal.Decimal) ([]model.DemoOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, symbol)
	f.prices = append(f.prices, price)
	return nil, nil
}

func TestHandleTick_RunsWatcherThenBroadcasts(t *testing.T) {
	watcher := &fakeWatcher{}
	h := NewHub(watcher)
	c := connect(h, 1)
	h.SubscribeSymbol(1, "BTCUSDT")

	h.handleTick(context.Background(), market.Tick{Symbol: "BTCUSDT", Price: d(50000)})

	watcher.mu.Lock()
	if len(watcher.symbols) != 1 || watcher.symbols[0] != "BTCUSDT" {
		t.Errorf("watcher should see the tick, got %v", watcher.symbols)
	}
	if !watcher.prices[0].Equal(d(50000)) {
		t.Errorf("watcher should see price 50000, got %s", watcher.prices[0])
	}
	watcher.mu.Unlock()

	if msg := recvMsg(t, c); msg["type"] != "price_update" {
		t.Errorf("subscribers should get the price after the watcher ran, got %v", msg["type"])
	}
}

func TestEnqueueTick_NeverBlocks(t *testing.T) {
	h := NewHub(nil)

	// Nobody drains the channel; overflow must drop, not block.
	for i := 0; i < cap(h.ticks)+10; i++ {
		h.EnqueueTick(market.Tick{Symbol: "BTCUSDT", Price: d(1)})
	}

	if len(h.ticks) != cap(h.ticks) {
		t.Errorf("expected full tick queue, got %d", len(h.ticks))
	}
}

func TestRun_DrainsTicks(t *testing.T) {
	watcher := &fakeWatcher{}
	h := NewHub(watcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.EnqueueTick(market.Tick{Symbol: "ETHUSDT", Price: d(3000)})

	deadline := time.After(time.Second)
	for {
		watcher.mu.Lock()
		n := len(watcher.symbols)
		watcher.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("tick was not drained by the run loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
