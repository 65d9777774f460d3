package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/ranking"
)

// LeaderboardProvider serves leaderboard snapshots for the get_leaderboard
// control message. Implemented by the ranking service.
type LeaderboardProvider interface {
	GetLeaderboard(ctx context.Context, tournamentID int64, limit int) ([]ranking.Entry, error)
}

// Dispatcher routes decoded control messages from a connection to the
// subsystem that handles them. Replies go back on the same connection;
// a malformed or unknown message gets an error reply and the connection
// stays open.
type Dispatcher struct {
	hub          *Hub
	source       market.Source
	leaderboards LeaderboardProvider
}

// NewDispatcher creates a dispatcher. source and leaderboards may be nil,
// in which case the messages needing them answer with an error.
func NewDispatcher(h *Hub, source market.Source, leaderboards LeaderboardProvider) *Dispatcher {
	return &Dispatcher{hub: h, source: source, leaderboards: leaderboards}
}

// Dispatch handles one inbound message from c.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Type {
	case TypeSubscribeTournament:
		d.subscribeTournament(c, msg)
	case TypeSubscribeSymbol:
		d.subscribeSymbol(ctx, c, msg)
	case TypeGetLeaderboard:
		d.getLeaderboard(ctx, c, msg)
	case TypeGetPrice:
		d.getPrice(ctx, c, msg)
	case TypePing:
		d.reply(c, pongMsg{Type: "pong", Timestamp: msg.Timestamp})
	default:
		d.replyError(c, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (d *Dispatcher) subscribeTournament(c *Client, msg ClientMessage) {
	if msg.TournamentID <= 0 {
		d.replyError(c, "tournament_id is required")
		return
	}
	d.hub.SubscribeTournament(c.UserID, msg.TournamentID)
	d.reply(c, subscriptionConfirmedMsg{
		Type:    "subscription_confirmed",
		Channel: fmt.Sprintf("tournament:%d", msg.TournamentID),
		Message: fmt.Sprintf("subscribed to tournament %d", msg.TournamentID),
	})
}

func (d *Dispatcher) subscribeSymbol(ctx context.Context, c *Client, msg ClientMessage) {
	if msg.Symbol == "" {
		d.replyError(c, "symbol is required")
		return
	}
	first := d.hub.SubscribeSymbol(c.UserID, msg.Symbol)
	if first && d.source != nil {
		// First subscriber for this symbol: start the upstream feed. The
		// handler runs on the feed goroutine and must not block.
		if err := d.source.Subscribe(ctx, msg.Symbol, d.hub.EnqueueTick); err != nil {
			slog.Error("symbol feed subscribe failed", "symbol", msg.Symbol, "err", err)
			// Roll back so a later subscriber is first again and retries
			// starting the feed.
			d.hub.UnsubscribeSymbol(c.UserID, msg.Symbol)
			d.replyError(c, fmt.Sprintf("price feed unavailable for %s", msg.Symbol))
			return
		}
	}
	d.reply(c, subscriptionConfirmedMsg{
		Type:    "subscription_confirmed",
		Channel: fmt.Sprintf("symbol:%s", msg.Symbol),
		Message: fmt.Sprintf("subscribed to %s", msg.Symbol),
	})
}

func (d *Dispatcher) getLeaderboard(ctx context.Context, c *Client, msg ClientMessage) {
	if msg.TournamentID <= 0 {
		d.replyError(c, "tournament_id is required")
		return
	}
	if d.leaderboards == nil {
		d.replyError(c, "leaderboard unavailable")
		return
	}
	entries, err := d.leaderboards.GetLeaderboard(ctx, msg.TournamentID, 100)
	if err != nil {
		slog.Error("leaderboard fetch failed", "tournament", msg.TournamentID, "err", err)
		d.replyError(c, "leaderboard unavailable")
		return
	}
	d.reply(c, leaderboardDataMsg{
		Type:         "leaderboard_data",
		TournamentID: msg.TournamentID,
		Data:         entries,
	})
}

func (d *Dispatcher) getPrice(ctx context.Context, c *Client, msg ClientMessage) {
	if msg.Symbol == "" {
		d.replyError(c, "symbol is required")
		return
	}
	if d.source == nil {
		d.replyError(c, fmt.Sprintf("price unavailable for %s", msg.Symbol))
		return
	}
	price, err := d.source.CurrentPrice(ctx, msg.Symbol)
	if err != nil {
		d.replyError(c, fmt.Sprintf("price unavailable for %s", msg.Symbol))
		return
	}
	d.reply(c, priceDataMsg{Type: "price_data", Symbol: msg.Symbol, Price: price})
}

func (d *Dispatcher) reply(c *Client, v any) {
	d.hub.SendToUser(c.UserID, v)
}

func (d *Dispatcher) replyError(c *Client, message string) {
	d.reply(c, errorMsg{Type: "error", Message: message})
}
