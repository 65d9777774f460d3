package hub

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/ranking"
)

// Inbound control message types.
const (
	TypeSubscribeTournament = "subscribe_tournament"
	TypeSubscribeSymbol     = "subscribe_symbol"
	TypeGetLeaderboard      = "get_leaderboard"
	TypeGetPrice            = "get_price"
	TypePing                = "ping"
)

// ClientMessage is a decoded inbound control message.
type ClientMessage struct {
	Type         string          `json:"type"`
	TournamentID int64           `json:"tournament_id,omitempty"`
	Symbol       string          `json:"symbol,omitempty"`
	// Timestamp is echoed back verbatim on ping.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// --- Outbound messages ---

type connectedMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type subscriptionConfirmedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type priceUpdateMsg struct {
	Type string      `json:"type"`
	Data market.Tick `json:"data"`
}

type priceDataMsg struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type leaderboardDataMsg struct {
	Type         string          `json:"type"`
	TournamentID int64           `json:"tournament_id"`
	Data         []ranking.Entry `json:"data"`
}

type leaderboardUpdateMsg struct {
	Type         string          `json:"type"`
	TournamentID int64           `json:"tournament_id"`
	Data         []ranking.Entry `json:"data"`
}

type tradeExecutedMsg struct {
	Type         string          `json:"type"`
	TournamentID int64           `json:"tournament_id"`
	Trade        model.Trade     `json:"trade"`
	NewBalance   decimal.Decimal `json:"new_balance"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMsg struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}
