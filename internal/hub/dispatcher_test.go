package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/ranking"
)

type fakeLeaderboards struct {
	entries []ranking.Entry
	err     error
}

func (f *fakeLeaderboards) GetLeaderboard(_ context.Context, _ int64, _ int) ([]ranking.Entry, error) {
	return f.entries, f.err
}

func newDispatcherEnv(t *testing.T) (*Hub, *Dispatcher, *market.StaticSource, *Client) {
	t.Helper()
	h := NewHub(nil)
	src := market.NewStaticSource()
	disp := NewDispatcher(h, src, &fakeLeaderboards{
		entries: []ranking.Entry{{Rank: 1, UserID: 1, Username: "user1"}},
	})
	c := connect(h, 1)
	return h, disp, src, c
}

func TestDispatch_SubscribeTournament(t *testing.T) {
	h, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeSubscribeTournament, TournamentID: 5,
	})

	msg := recvMsg(t, c)
	if msg["type"] != "subscription_confirmed" {
		t.Fatalf("expected subscription_confirmed, got %v", msg["type"])
	}
	if msg["channel"] != "tournament:5" {
		t.Errorf("expected channel tournament:5, got %v", msg["channel"])
	}
	if h.TournamentSubscribers(5) != 1 {
		t.Errorf("expected 1 subscriber, got %d", h.TournamentSubscribers(5))
	}
}

func TestDispatch_SubscribeTournament_MissingID(t *testing.T) {
	_, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{Type: TypeSubscribeTournament})

	if msg := recvMsg(t, c); msg["type"] != "error" {
		t.Errorf("expected error reply, got %v", msg["type"])
	}
	// The connection survives a bad message.
	if c.State() != StateConnected {
		t.Error("connection should stay open after a bad message")
	}
}

func TestDispatch_SubscribeSymbol_StartsFeedOnce(t *testing.T) {
	h, disp, src, c := newDispatcherEnv(t)
	c2 := connect(h, 2)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeSubscribeSymbol, Symbol: "BTCUSDT",
	})
	if msg := recvMsg(t, c); msg["channel"] != "symbol:BTCUSDT" {
		t.Fatalf("expected symbol:BTCUSDT confirmation, got %v", msg["channel"])
	}

	disp.Dispatch(context.Background(), c2, ClientMessage{
		Type: TypeSubscribeSymbol, Symbol: "BTCUSDT",
	})
	recvMsg(t, c2)

	if h.SymbolSubscribers("BTCUSDT") != 2 {
		t.Errorf("expected 2 subscribers, got %d", h.SymbolSubscribers("BTCUSDT"))
	}

	// The upstream feed is wired into the hub's tick queue.
	src.Push("BTCUSDT", d(50000))
	if len(h.ticks) != 1 {
		t.Errorf("pushed tick should land in the queue, got %d", len(h.ticks))
	}
}

// flakySource fails the first Subscribe calls, then delegates.
type flakySource struct {
	market.Source
	failures int
	calls    int
}

func (f *flakySource) Subscribe(ctx context.Context, symbol string, fn market.TickHandler) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("feed down")
	}
	return f.Source.Subscribe(ctx, symbol, fn)
}

func TestDispatch_SubscribeSymbol_RetriesFeedAfterFailure(t *testing.T) {
	h := NewHub(nil)
	src := &flakySource{Source: market.NewStaticSource(), failures: 1}
	disp := NewDispatcher(h, src, nil)
	c := connect(h, 1)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeSubscribeSymbol, Symbol: "BTCUSDT",
	})
	if msg := recvMsg(t, c); msg["type"] != "error" {
		t.Fatalf("expected error while the feed is down, got %v", msg["type"])
	}
	if h.SymbolSubscribers("BTCUSDT") != 0 {
		t.Fatalf("failed subscription must be rolled back, got %d subscribers",
			h.SymbolSubscribers("BTCUSDT"))
	}

	// The next subscriber counts as first again and starts the feed.
	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeSubscribeSymbol, Symbol: "BTCUSDT",
	})
	if msg := recvMsg(t, c); msg["type"] != "subscription_confirmed" {
		t.Fatalf("expected confirmation on retry, got %v", msg["type"])
	}
	if src.calls != 2 {
		t.Errorf("expected 2 upstream subscribe attempts, got %d", src.calls)
	}
}

func TestDispatch_GetPrice(t *testing.T) {
	_, disp, src, c := newDispatcherEnv(t)
	src.SetPrice("BTCUSDT", d(50000))

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeGetPrice, Symbol: "BTCUSDT",
	})

	msg := recvMsg(t, c)
	if msg["type"] != "price_data" {
		t.Fatalf("expected price_data, got %v", msg["type"])
	}
	if msg["symbol"] != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %v", msg["symbol"])
	}
}

func TestDispatch_GetPrice_Unavailable(t *testing.T) {
	_, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeGetPrice, Symbol: "NOSUCH",
	})

	if msg := recvMsg(t, c); msg["type"] != "error" {
		t.Errorf("expected error for unknown symbol, got %v", msg["type"])
	}
}

func TestDispatch_GetLeaderboard(t *testing.T) {
	_, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeGetLeaderboard, TournamentID: 5,
	})

	msg := recvMsg(t, c)
	if msg["type"] != "leaderboard_data" {
		t.Fatalf("expected leaderboard_data, got %v", msg["type"])
	}
	data, ok := msg["data"].([]any)
	if !ok || len(data) != 1 {
		t.Errorf("expected 1 leaderboard entry, got %v", msg["data"])
	}
}

func TestDispatch_GetLeaderboard_ProviderFailure(t *testing.T) {
	h := NewHub(nil)
	disp := NewDispatcher(h, market.NewStaticSource(), &fakeLeaderboards{
		err: errors.New("redis down"),
	})
	c := connect(h, 1)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type: TypeGetLeaderboard, TournamentID: 5,
	})

	if msg := recvMsg(t, c); msg["type"] != "error" {
		t.Errorf("expected error reply, got %v", msg["type"])
	}
}

func TestDispatch_PingEchoesTimestamp(t *testing.T) {
	_, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{
		Type:      TypePing,
		Timestamp: json.RawMessage(`"2026-08-30T12:00:00Z"`),
	})

	msg := recvMsg(t, c)
	if msg["type"] != "pong" {
		t.Fatalf("expected pong, got %v", msg["type"])
	}
	if msg["timestamp"] != "2026-08-30T12:00:00Z" {
		t.Errorf("pong should echo the ping timestamp, got %v", msg["timestamp"])
	}
}

func TestDispatch_UnknownTypeKeepsConnection(t *testing.T) {
	h, disp, _, c := newDispatcherEnv(t)

	disp.Dispatch(context.Background(), c, ClientMessage{Type: "self_destruct"})

	if msg := recvMsg(t, c); msg["type"] != "error" {
		t.Errorf("expected error for unknown type, got %v", msg["type"])
	}
	if h.ConnectionCount() != 1 {
		t.Error("unknown message type must not disconnect the client")
	}
}
