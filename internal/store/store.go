// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClosed is returned by CloseDemoOrder when the order is no
// longer OPEN. The status check and the transition are one atomic step, so
// of two racing closers exactly one gets nil and the other gets this.
var ErrAlreadyClosed = errors.New("order already closed")

// Store is the persistence interface. PostgreSQL is the source of truth;
// all financial invariants are enforced against it.
type Store interface {
	// WithTx runs fn against a transactional view of the store. If fn
	// returns an error every mutation made through the view is rolled
	// back; otherwise they commit together. The transaction boundary is
	// the correctness boundary for trade settlement.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// --- Tournaments ---

	CreateTournament(ctx context.Context, t *model.Tournament) error
	GetTournament(ctx context.Context, id int64) (*model.Tournament, error)
	ListActiveTournaments(ctx context.Context) ([]model.Tournament, error)

	// --- Wallets ---

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error)
	// GetWalletForUpdate locks the wallet row for the duration of the
	// enclosing transaction, serializing concurrent trades by the same
	// user in the same tournament.
	GetWalletForUpdate(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error
	ListWallets(ctx context.Context, tournamentID int64) ([]model.Wallet, error)

	// --- Positions ---

	GetPosition(ctx context.Context, userID, tournamentID int64, symbol string) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id int64) error
	ListPositions(ctx context.Context, userID, tournamentID int64) ([]model.Position, error)

	// --- Immutable trade ledger ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTrades(ctx context.Context, userID, tournamentID int64) ([]model.Trade, error)

	// --- Demo mode ---

	CreateDemoWallet(ctx context.Context, w *model.DemoWallet) error
	GetDemoWallet(ctx context.Context, userID int64) (*model.DemoWallet, error)
	GetDemoWalletForUpdate(ctx context.Context, userID int64) (*model.DemoWallet, error)
	UpdateDemoWalletBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error

	InsertDemoOrder(ctx context.Context, o *model.DemoOrder) error
	GetDemoOrder(ctx context.Context, orderID, userID int64) (*model.DemoOrder, error)
	// ListOpenDemoOrders returns every OPEN order on the symbol.
	ListOpenDemoOrders(ctx context.Context, symbol string) ([]model.DemoOrder, error)
	// ListDemoOrders returns a user's orders newest first, optionally
	// filtered by status ("" = all).
	ListDemoOrders(ctx context.Context, userID int64, status string) ([]model.DemoOrder, error)
	// UpdateDemoOrderMark updates the last seen price and unrealized PnL
	// of an open order.
	UpdateDemoOrderMark(ctx context.Context, orderID int64, currentPrice, pnl decimal.Decimal) error
	// CloseDemoOrder transitions an order from OPEN to the given terminal
	// status. Returns ErrAlreadyClosed if the order is not OPEN.
	CloseDemoOrder(ctx context.Context, orderID int64, status string, closePrice, pnl decimal.Decimal, closedAt time.Time) error

	// --- Users (owned by the excluded auth layer; read-only here) ---

	GetUsername(ctx context.Context, userID int64) (string, error)
}
