// Package demo implements the unlimited practice mode: one global wallet
// per user, orders with optional stop-loss / take-profit triggers, and the
// per-tick watcher that auto-closes any order whose trigger is crossed.
package demo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/engine"
	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/metrics"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

// initialBalance is the seed balance of a freshly created demo wallet.
var initialBalance = decimal.NewFromInt(10000)

// Service manages demo wallets and trigger orders.
type Service struct {
	store  store.Store
	source market.Source
}

// NewService creates a demo trading service.
func NewService(st store.Store, src market.Source) *Service {
	return &Service{store: st, source: src}
}

// GetOrCreateWallet returns the user's demo wallet, creating it with the
// default balance on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID int64) (*model.DemoWallet, error) {
	wallet, err := s.store.GetDemoWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	wallet = &model.DemoWallet{
		UserID:    userID,
		Balance:   initialBalance,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
	wallet.UpdatedAt = wallet.CreatedAt
	if err := s.store.CreateDemoWallet(ctx, wallet); err != nil {
		return nil, err
	}
	slog.Info("demo wallet created", "user", userID, "balance", initialBalance.String())
	return wallet, nil
}

// Deposit credits the demo wallet.
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*model.DemoWallet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &engine.ValidationError{Msg: "deposit amount must be positive"}
	}

	wallet, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallet.Balance = wallet.Balance.Add(amount)
	if err := s.store.UpdateDemoWalletBalance(ctx, wallet.ID, wallet.Balance); err != nil {
		return nil, err
	}
	return wallet, nil
}

// PlaceOrder opens a demo order, debiting size×entry from the wallet.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, symbol, side string, size, entryPrice decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) (*model.DemoOrder, error) {
	if side != model.SideBuy && side != model.SideSell {
		return nil, &engine.ValidationError{Msg: "side must be BUY or SELL"}
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return nil, &engine.ValidationError{Msg: "order size must be positive"}
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, &engine.ValidationError{Msg: "entry price must be positive"}
	}

	// Wallet must exist before the transactional debit.
	if _, err := s.GetOrCreateWallet(ctx, userID); err != nil {
		return nil, err
	}

	cost := size.Mul(entryPrice)
	order := &model.DemoOrder{
		UserID:       userID,
		Symbol:       symbol,
		Side:         side,
		Size:         size,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		PnL:          decimal.Zero,
		Status:       model.OrderOpen,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		wallet, err := tx.GetDemoWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(cost) {
			return &engine.InsufficientFundsError{Required: cost, Available: wallet.Balance}
		}
		if err := tx.UpdateDemoWalletBalance(ctx, wallet.ID, wallet.Balance.Sub(cost)); err != nil {
			return err
		}
		return tx.InsertDemoOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("demo order placed",
		"order_id", order.ID,
		"user", userID,
		"symbol", symbol,
		"side", side,
		"size", size.String(),
		"entry", entryPrice.String(),
	)
	return order, nil
}

// unrealizedPnL is (current−entry)×size for BUY, (entry−current)×size for
// SELL.
func unrealizedPnL(o *model.DemoOrder, currentPrice decimal.Decimal) decimal.Decimal {
	if o.Side == model.SideBuy {
		return currentPrice.Sub(o.EntryPrice).Mul(o.Size)
	}
	return o.EntryPrice.Sub(currentPrice).Mul(o.Size)
}

// triggerStatus decides whether the tick closes the order. Take-profit is
// checked before stop-loss: if one tick crosses both thresholds, TP wins.
func triggerStatus(o *model.DemoOrder, currentPrice decimal.Decimal) (string, bool) {
	if o.Side == model.SideBuy {
		if o.TakeProfit != nil && currentPrice.GreaterThanOrEqual(*o.TakeProfit) {
			return model.OrderTPHit, true
		}
		if o.StopLoss != nil && currentPrice.LessThanOrEqual(*o.StopLoss) {
			return model.OrderSLHit, true
		}
		return "", false
	}
	if o.TakeProfit != nil && currentPrice.LessThanOrEqual(*o.TakeProfit) {
		return model.OrderTPHit, true
	}
	if o.StopLoss != nil && currentPrice.GreaterThanOrEqual(*o.StopLoss) {
		return model.OrderSLHit, true
	}
	return "", false
}

// CheckAndCloseOrders scans every OPEN order on the symbol, refreshes its
// mark, and closes any whose trigger the tick crossed, crediting the
// wallet with size×price + PnL. Returns the orders closed by this call.
func (s *Service) CheckAndCloseOrders(ctx context.Context, symbol string, currentPrice decimal.Decimal) ([]model.DemoOrder, error) {
	open, err := s.store.ListOpenDemoOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var closed []model.DemoOrder
	for i := range open {
		order := open[i]
		pnl := unrealizedPnL(&order, currentPrice)

		status, hit := triggerStatus(&order, currentPrice)
		if !hit {
			if err := s.store.UpdateDemoOrderMark(ctx, order.ID, currentPrice, pnl); err != nil {
				slog.Error("mark update failed", "order_id", order.ID, "err", err)
			}
			continue
		}

		if err := s.settleClose(ctx, &order, status, currentPrice, pnl); err != nil {
			if errors.Is(err, store.ErrAlreadyClosed) {
				// Lost the race against a manual close; nothing to do.
				continue
			}
			slog.Error("auto-close failed", "order_id", order.ID, "err", err)
			continue
		}

		closedAt := time.Now().UTC()
		order.Status = status
		order.ClosePrice = &currentPrice
		order.CurrentPrice = currentPrice
		order.PnL = pnl
		order.ClosedAt = &closedAt
		closed = append(closed, order)

		metrics.OrderClosesTotal.WithLabelValues(status).Inc()
		slog.Info("demo order closed",
			"order_id", order.ID,
			"status", status,
			"close_price", currentPrice.String(),
			"pnl", pnl.String(),
		)
	}
	return closed, nil
}

// settleClose transitions the order and credits the wallet in one atomic
// unit. CloseDemoOrder's OPEN-only predicate guarantees a terminal order
// is never settled twice.
func (s *Service) settleClose(ctx context.Context, order *model.DemoOrder, status string, closePrice, pnl decimal.Decimal) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CloseDemoOrder(ctx, order.ID, status, closePrice, pnl, time.Now().UTC()); err != nil {
			return err
		}
		wallet, err := tx.GetDemoWalletForUpdate(ctx, order.UserID)
		if err != nil {
			return err
		}
		proceeds := order.Size.Mul(closePrice).Add(pnl)
		return tx.UpdateDemoWalletBalance(ctx, wallet.ID, wallet.Balance.Add(proceeds))
	})
}

// CloseOrderManual closes an OPEN order at the given price. Rejects with
// InvalidState when the order is already terminal; a repeated close never
// re-credits the wallet.
func (s *Service) CloseOrderManual(ctx context.Context, orderID, userID int64, closePrice decimal.Decimal) (*model.DemoOrder, error) {
	order, err := s.store.GetDemoOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, &engine.InvalidStateError{Status: order.Status}
	}

	pnl := unrealizedPnL(order, closePrice)
	if err := s.settleClose(ctx, order, model.OrderClosed, closePrice, pnl); err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			return nil, &engine.InvalidStateError{Status: "already closed"}
		}
		return nil, err
	}

	metrics.OrderClosesTotal.WithLabelValues(model.OrderClosed).Inc()
	slog.Info("demo order manually closed",
		"order_id", orderID, "close_price", closePrice.String(), "pnl", pnl.String())

	return s.store.GetDemoOrder(ctx, orderID, userID)
}

// CloseOrderAtMarket closes at the current reference price.
func (s *Service) CloseOrderAtMarket(ctx context.Context, orderID, userID int64) (*model.DemoOrder, error) {
	order, err := s.store.GetDemoOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.source.CurrentPrice(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	return s.CloseOrderManual(ctx, orderID, userID, price)
}

// GetUserOrders returns the user's orders newest first, optionally
// filtered by status.
func (s *Service) GetUserOrders(ctx context.Context, userID int64, status string) ([]model.DemoOrder, error) {
	return s.store.ListDemoOrders(ctx, userID, status)
}
