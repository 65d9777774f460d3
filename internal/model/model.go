// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Demo order statuses. An order is created OPEN and transitions exactly
// once to one of the terminal statuses.
const (
	OrderOpen   = "OPEN"
	OrderClosed = "CLOSED"
	OrderSLHit  = "SL_HIT"
	OrderTPHit  = "TP_HIT"
)

// Tournament is a trading competition. Created by an administrator; the
// engine never mutates it beyond reading the initial balance.
type Tournament struct {
	ID             int64           `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Description    string          `json:"description,omitempty" db:"description"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	EndTime        time.Time       `json:"end_time" db:"end_time"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	PrizePool      decimal.Decimal `json:"prize_pool" db:"prize_pool"`
	IsActive       bool            `json:"is_active" db:"is_active"`
}

// Wallet is a user's cash balance inside one tournament. Created on first
// join with balance = tournament initial balance. Mutated only inside the
// same atomic unit as the corresponding trade.
type Wallet struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	TournamentID int64           `json:"tournament_id" db:"tournament_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
}

// Position is a user's holding of one symbol inside one tournament.
// Quantity is never negative; a position sold down to exactly zero is
// deleted, not kept at zero.
type Position struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	TournamentID int64           `json:"tournament_id" db:"tournament_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // volume-weighted entry
}

// Trade is an immutable record of an execution. Once committed these are
// never modified or deleted.
type Trade struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	TournamentID int64           `json:"tournament_id" db:"tournament_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         string          `json:"side" db:"side"` // BUY or SELL
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // execution price
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// DemoWallet is the single global practice wallet per user (unlimited demo
// mode, not tied to any tournament).
type DemoWallet struct {
	ID        int64           `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// DemoOrder is a practice position with optional stop-loss / take-profit
// triggers. Status transitions: OPEN → {CLOSED, SL_HIT, TP_HIT}, exactly once.
type DemoOrder struct {
	ID           int64            `json:"id" db:"id"`
	UserID       int64            `json:"user_id" db:"user_id"`
	Symbol       string           `json:"symbol" db:"symbol"`
	Side         string           `json:"side" db:"side"`
	Size         decimal.Decimal  `json:"size" db:"size"`
	EntryPrice   decimal.Decimal  `json:"entry_price" db:"entry_price"`
	CurrentPrice decimal.Decimal  `json:"current_price" db:"current_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	PnL          decimal.Decimal  `json:"pnl" db:"pnl"`
	Status       string           `json:"status" db:"status"`
	ClosePrice   *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// IsTerminal reports whether the order has reached a final status.
func (o *DemoOrder) IsTerminal() bool {
	return o.Status != OrderOpen
}

// PositionDetail is one position marked to the current market price,
// included in PnL reports.
type PositionDetail struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PnLReport is the full profit-and-loss breakdown for a user in a
// tournament: cash plus marked positions against the initial balance.
type PnLReport struct {
	UserID              int64            `json:"user_id"`
	TournamentID        int64            `json:"tournament_id"`
	CashBalance         decimal.Decimal  `json:"cash_balance"`
	PositionsValue      decimal.Decimal  `json:"positions_value"`
	TotalPortfolioValue decimal.Decimal  `json:"total_portfolio_value"`
	InitialBalance      decimal.Decimal  `json:"initial_balance"`
	PnL                 decimal.Decimal  `json:"pnl"`
	PnLPercentage       decimal.Decimal  `json:"pnl_percentage"`
	Positions           []PositionDetail `json:"positions"`
}
