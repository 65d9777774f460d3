// Package hub is the real-time fan-out layer: it tracks live client
// connections and their tournament/symbol subscriptions, and pushes typed
// JSON messages to the subset of connections each event concerns.
//
// All subscription state is owned by the Hub. Price ticks arriving from
// the feed goroutine are handed off through a bounded channel and drained
// by the hub's Run loop, never applied from the feed's own context.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/metrics"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/ranking"
)

// ConnState is the per-connection lifecycle state.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected // terminal
)

// wsConn is the subset of *websocket.Conn the hub writes through.
// Narrowed to an interface so tests can observe sends.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live connection, registered under its user identity.
type Client struct {
	ID     uuid.UUID
	UserID int64

	conn wsConn
	send chan []byte

	mu     sync.Mutex
	state  ConnState
	closed bool
}

func newClient(userID int64, conn wsConn) *Client {
	return &Client{
		ID:     uuid.New(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		state:  StateConnecting,
	}
}

// State returns the connection's lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// or an already-closed connection counts as a send failure.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// TickWatcher is re-entered on every price tick to auto-close triggered
// demo orders. Implemented by the demo service.
type TickWatcher interface {
	CheckAndCloseOrders(ctx context.Context, symbol string, currentPrice decimal.Decimal) ([]model.DemoOrder, error)
}

// Hub tracks live connections and their subscriptions and fans events out
// to them. One Hub per process, explicitly constructed and passed to every
// component that broadcasts.
type Hub struct {
	watcher TickWatcher

	mu             sync.RWMutex
	clients        map[int64]*Client // by user; a reconnect supersedes the old conn
	tournamentSubs map[int64]map[int64]struct{}
	symbolSubs     map[string]map[int64]struct{}

	register   chan *Client
	unregister chan *Client
	ticks      chan market.Tick
}

// NewHub creates a hub. watcher may be nil (no demo order monitoring).
func NewHub(watcher TickWatcher) *Hub {
	return &Hub{
		watcher:        watcher,
		clients:        make(map[int64]*Client),
		tournamentSubs: make(map[int64]map[int64]struct{}),
		symbolSubs:     make(map[string]map[int64]struct{}),
		register:       make(chan *Client, 16),
		unregister:     make(chan *Client, 16),
		ticks:          make(chan market.Tick, 256),
	}
}

// Run drains the hub's event channels until ctx is cancelled. Must be
// called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case t := <-h.ticks:
			h.handleTick(ctx, t)
		}
	}
}

// Register hands a new connection to the hub's loop.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister hands a dead connection to the hub's loop.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// EnqueueTick hands a price tick from the feed goroutine to the hub loop.
// Never blocks: under backpressure the tick is dropped and counted.
func (h *Hub) EnqueueTick(t market.Tick) {
	select {
	case h.ticks <- t:
	default:
		metrics.TicksDroppedTotal.Inc()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	old := h.clients[c.UserID]
	h.clients[c.UserID] = c
	h.mu.Unlock()

	if old != nil {
		// Superseded by a reconnect; close without scrubbing the user's
		// subscriptions, which now belong to the new connection.
		old.setState(StateDisconnected)
		old.closeSend()
		old.conn.Close()
	} else {
		metrics.WebSocketClients.Inc()
	}

	c.setState(StateConnected)

	// Handshake frame goes out from here, not the HTTP handler: only once
	// the registration is applied is the client visible to SendToUser.
	if data, err := json.Marshal(connectedMsg{Type: "connected", UserID: c.UserID}); err == nil {
		c.enqueue(data)
	}

	slog.Info("client connected", "user", c.UserID, "conn", c.ID)
}

// drop removes the connection from the active set and scrubs it from
// every subscription set it belonged to. DISCONNECTED is terminal: no
// further sends are attempted.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if h.clients[c.UserID] == c {
		delete(h.clients, c.UserID)
		for _, subs := range h.tournamentSubs {
			delete(subs, c.UserID)
		}
		for _, subs := range h.symbolSubs {
			delete(subs, c.UserID)
		}
		metrics.WebSocketClients.Dec()
	}
	h.mu.Unlock()

	if c.State() != StateDisconnected {
		c.setState(StateDisconnected)
		c.closeSend()
		c.conn.Close()
		slog.Info("client disconnected", "user", c.UserID, "conn", c.ID)
	}
}

func (h *Hub) handleTick(ctx context.Context, t market.Tick) {
	metrics.PriceTicksTotal.WithLabelValues(t.Symbol).Inc()

	if h.watcher != nil {
		if _, err := h.watcher.CheckAndCloseOrders(ctx, t.Symbol, t.Price); err != nil {
			slog.Error("order watcher failed", "symbol", t.Symbol, "err", err)
		}
	}
	h.BroadcastPrice(t.Symbol, t)
}

// --- Subscriptions ---

// SubscribeTournament adds the user to the tournament's subscriber set.
func (h *Hub) SubscribeTournament(userID, tournamentID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tournamentSubs[tournamentID] == nil {
		h.tournamentSubs[tournamentID] = make(map[int64]struct{})
	}
	h.tournamentSubs[tournamentID][userID] = struct{}{}
}

// SubscribeSymbol adds the user to the symbol's subscriber set and reports
// whether this was the first subscriber for the symbol process-wide.
func (h *Hub) SubscribeSymbol(userID int64, symbol string) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.symbolSubs[symbol] == nil {
		h.symbolSubs[symbol] = make(map[int64]struct{})
	}
	h.symbolSubs[symbol][userID] = struct{}{}
	return len(h.symbolSubs[symbol]) == 1
}

// UnsubscribeSymbol removes the user from the symbol's subscriber set. An
// emptied set is deleted so the next subscriber counts as first again.
func (h *Hub) UnsubscribeSymbol(userID int64, symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.symbolSubs[symbol]; subs != nil {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(h.symbolSubs, symbol)
		}
	}
}

// --- Broadcasts ---

// SendToUser pushes one message to a single connection. A send failure
// disconnects that connection and is not reported to the caller.
func (h *Hub) SendToUser(userID int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	if !c.enqueue(data) {
		h.drop(c)
	}
}

// broadcastToUsers snapshots the target connections before sending, so a
// disconnect triggered mid-broadcast cannot corrupt the iteration. Each
// failure disconnects only its own connection.
func (h *Hub) broadcastToUsers(userIDs []int64, data []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(userIDs))
	for _, uid := range userIDs {
		if c, ok := h.clients[uid]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var failed []*Client
	for _, c := range targets {
		if !c.enqueue(data) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.drop(c)
	}
}

func (h *Hub) tournamentSubscriberIDs(tournamentID int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int64, 0, len(h.tournamentSubs[tournamentID]))
	for uid := range h.tournamentSubs[tournamentID] {
		ids = append(ids, uid)
	}
	return ids
}

func (h *Hub) symbolSubscriberIDs(symbol string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int64, 0, len(h.symbolSubs[symbol]))
	for uid := range h.symbolSubs[symbol] {
		ids = append(ids, uid)
	}
	return ids
}

// BroadcastToTournament sends a message to every tournament subscriber.
func (h *Hub) BroadcastToTournament(tournamentID int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.broadcastToUsers(h.tournamentSubscriberIDs(tournamentID), data)
}

// BroadcastPrice sends a price_update to every symbol subscriber.
func (h *Hub) BroadcastPrice(symbol string, t market.Tick) {
	data, err := json.Marshal(priceUpdateMsg{Type: "price_update", Data: t})
	if err != nil {
		return
	}
	h.broadcastToUsers(h.symbolSubscriberIDs(symbol), data)
}

// BroadcastTradeExecuted implements the settlement engine's Broadcaster.
func (h *Hub) BroadcastTradeExecuted(tournamentID int64, trade model.Trade, newBalance decimal.Decimal) {
	h.BroadcastToTournament(tournamentID, tradeExecutedMsg{
		Type:         "trade_executed",
		TournamentID: tournamentID,
		Trade:        trade,
		NewBalance:   newBalance,
	})
}

// BroadcastLeaderboardUpdate implements the ranking service's broadcaster.
func (h *Hub) BroadcastLeaderboardUpdate(tournamentID int64, entries []ranking.Entry) {
	h.BroadcastToTournament(tournamentID, leaderboardUpdateMsg{
		Type:         "leaderboard_update",
		TournamentID: tournamentID,
		Data:         entries,
	})
}

// --- Introspection (metrics, tests) ---

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TournamentSubscribers returns the subscriber count for a tournament.
func (h *Hub) TournamentSubscribers(tournamentID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tournamentSubs[tournamentID])
}

// SymbolSubscribers returns the subscriber count for a symbol.
func (h *Hub) SymbolSubscribers(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.symbolSubs[symbol])
}
