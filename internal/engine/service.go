// Package engine implements trade settlement for tournaments: pricing an
// instruction against the live reference price, enforcing balance and
// position invariants, and committing trade + position + wallet as one
// atomic unit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/metrics"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

// Broadcaster pushes settlement events to subscribed clients. Failures are
// logged and swallowed; they never fail the trade.
type Broadcaster interface {
	BroadcastTradeExecuted(tournamentID int64, trade model.Trade, newBalance decimal.Decimal)
}

// RankingUpdater refreshes the derived ranking view after a settlement.
// Fire-and-forget relative to the trade transaction.
type RankingUpdater interface {
	UpdateUserRanking(ctx context.Context, userID, tournamentID int64) error
}

// Service executes trades against the ledger store. The store transaction
// boundary is the correctness boundary: a failure anywhere inside leaves
// no partial mutation.
type Service struct {
	store       store.Store
	source      market.Source
	ranking     RankingUpdater
	broadcaster Broadcaster
}

// NewService creates a settlement engine. ranking and broadcaster may be
// nil if those side effects are not needed.
func NewService(st store.Store, src market.Source, ranking RankingUpdater, broadcaster Broadcaster) *Service {
	return &Service{store: st, source: src, ranking: ranking, broadcaster: broadcaster}
}

// SetRanking installs the ranking updater after construction. The ranking
// service is built on top of this engine, so the dependency is wired late.
func (s *Service) SetRanking(r RankingUpdater) {
	s.ranking = r
}

// TradeResult is returned from a successful settlement.
type TradeResult struct {
	TradeID    int64           `json:"trade_id"`
	UserID     int64           `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ExecuteTrade settles a buy/sell instruction at the current reference
// price. On BUY the wallet must cover quantity×price; on SELL the held
// position must cover quantity. Trade record, position update, and wallet
// adjustment commit together or not at all.
func (s *Service) ExecuteTrade(ctx context.Context, userID, tournamentID int64, symbol, side string, quantity decimal.Decimal) (*TradeResult, error) {
	if side != model.SideBuy && side != model.SideSell {
		return nil, &ValidationError{Msg: "side must be BUY or SELL"}
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Msg: "quantity must be positive"}
	}

	price, err := s.source.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	notional := quantity.Mul(price)

	trade := &model.Trade{
		UserID:       userID,
		TournamentID: tournamentID,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		Price:        price,
		Timestamp:    time.Now().UTC(),
	}
	var newBalance decimal.Decimal

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		// Row lock serializes concurrent trades by the same user in the
		// same tournament.
		wallet, err := tx.GetWalletForUpdate(ctx, userID, tournamentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotEnrolled
			}
			return err
		}

		if side == model.SideBuy {
			if wallet.Balance.LessThan(notional) {
				return &InsufficientFundsError{Required: notional, Available: wallet.Balance}
			}
			if err := s.applyBuy(ctx, tx, userID, tournamentID, symbol, quantity, price); err != nil {
				return err
			}
			newBalance = wallet.Balance.Sub(notional)
		} else {
			if err := s.applySell(ctx, tx, userID, tournamentID, symbol, quantity); err != nil {
				return err
			}
			newBalance = wallet.Balance.Add(notional)
		}

		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		return tx.UpdateWalletBalance(ctx, wallet.ID, newBalance)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"user", userID,
		"tournament", tournamentID,
		"symbol", symbol,
		"side", side,
		"qty", quantity.String(),
		"price", price.String(),
		"new_balance", newBalance.String(),
	)
	metrics.TradesTotal.WithLabelValues(side).Inc()

	// Post-commit side effects are best-effort: a failure here must never
	// make a committed trade look failed to its initiator.
	if s.broadcaster != nil {
		s.broadcaster.BroadcastTradeExecuted(tournamentID, *trade, newBalance)
	}
	if s.ranking != nil {
		if err := s.ranking.UpdateUserRanking(ctx, userID, tournamentID); err != nil {
			slog.Error("ranking update failed", "user", userID, "tournament", tournamentID, "err", err)
		}
	}

	return &TradeResult{
		TradeID:    trade.ID,
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		TotalValue: notional,
		NewBalance: newBalance,
		Timestamp:  trade.Timestamp,
	}, nil
}

// applyBuy adds to an existing position at the volume-weighted average
// entry price, or opens a new one.
func (s *Service) applyBuy(ctx context.Context, tx store.Store, userID, tournamentID int64, symbol string, quantity, price decimal.Decimal) error {
	pos, err := tx.GetPosition(ctx, userID, tournamentID, symbol)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.UpsertPosition(ctx, &model.Position{
			UserID:       userID,
			TournamentID: tournamentID,
			Symbol:       symbol,
			Quantity:     quantity,
			AveragePrice: price,
		})
	}

	// new_avg = (old_qty·old_avg + qty·price) / (old_qty + qty)
	totalQty := pos.Quantity.Add(quantity)
	totalCost := pos.Quantity.Mul(pos.AveragePrice).Add(quantity.Mul(price))
	pos.AveragePrice = totalCost.Div(totalQty)
	pos.Quantity = totalQty
	return tx.UpsertPosition(ctx, pos)
}

// applySell reduces the position, deleting it when it reaches exactly
// zero. A partial sell never changes the average entry price.
func (s *Service) applySell(ctx context.Context, tx store.Store, userID, tournamentID int64, symbol string, quantity decimal.Decimal) error {
	pos, err := tx.GetPosition(ctx, userID, tournamentID, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &InsufficientPositionError{Requested: quantity, Available: decimal.Zero}
		}
		return err
	}
	if pos.Quantity.LessThan(quantity) {
		return &InsufficientPositionError{Requested: quantity, Available: pos.Quantity}
	}

	remaining := pos.Quantity.Sub(quantity)
	if remaining.IsZero() {
		return tx.DeletePosition(ctx, pos.ID)
	}
	pos.Quantity = remaining
	return tx.UpsertPosition(ctx, pos)
}

// CalculatePnL marks every position to the current market price and
// reports cash + position value against the tournament's initial balance.
// Pure read: two calls with unchanged ledger state and prices return
// identical results.
func (s *Service) CalculatePnL(ctx context.Context, userID, tournamentID int64) (*model.PnLReport, error) {
	wallet, err := s.store.GetWallet(ctx, userID, tournamentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}

	positions, err := s.store.ListPositions(ctx, userID, tournamentID)
	if err != nil {
		return nil, err
	}

	positionsValue := decimal.Zero
	details := make([]model.PositionDetail, 0, len(positions))
	for _, pos := range positions {
		price, err := s.source.CurrentPrice(ctx, pos.Symbol)
		if err != nil {
			return nil, err
		}
		value := pos.Quantity.Mul(price)
		positionsValue = positionsValue.Add(value)
		details = append(details, model.PositionDetail{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AveragePrice:  pos.AveragePrice,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: price.Sub(pos.AveragePrice).Mul(pos.Quantity),
		})
	}

	tournament, err := s.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	initial := tournament.InitialBalance

	total := wallet.Balance.Add(positionsValue)
	pnl := total.Sub(initial)
	pnlPct := decimal.Zero
	if initial.IsPositive() {
		pnlPct = pnl.Div(initial).Mul(decimal.NewFromInt(100))
	}

	return &model.PnLReport{
		UserID:              userID,
		TournamentID:        tournamentID,
		CashBalance:         wallet.Balance,
		PositionsValue:      positionsValue,
		TotalPortfolioValue: total,
		InitialBalance:      initial,
		PnL:                 pnl,
		PnLPercentage:       pnlPct,
		Positions:           details,
	}, nil
}

// JoinTournament creates the user's wallet at the tournament's initial
// balance. Rejects duplicate joins and inactive tournaments.
func (s *Service) JoinTournament(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error) {
	tournament, err := s.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if !tournament.IsActive {
		return nil, &ValidationError{Msg: "tournament is not active"}
	}

	if _, err := s.store.GetWallet(ctx, userID, tournamentID); err == nil {
		return nil, &ValidationError{Msg: "already enrolled in this tournament"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	wallet := &model.Wallet{
		UserID:       userID,
		TournamentID: tournamentID,
		Balance:      tournament.InitialBalance,
	}
	if err := s.store.CreateWallet(ctx, wallet); err != nil {
		return nil, err
	}

	slog.Info("user joined tournament",
		"user", userID, "tournament", tournamentID,
		"initial_balance", tournament.InitialBalance.String())
	return wallet, nil
}

// TradeHistory returns the user's trades in the tournament, newest first.
func (s *Service) TradeHistory(ctx context.Context, userID, tournamentID int64) ([]model.Trade, error) {
	return s.store.ListTrades(ctx, userID, tournamentID)
}
