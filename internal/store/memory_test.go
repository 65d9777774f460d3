package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	wallet := &model.Wallet{UserID: 1, TournamentID: 1, Balance: d(1000)}
	if err := ms.CreateWallet(ctx, wallet); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sentinel := errors.New("boom")
	err := ms.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, d(0)); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{UserID: 1, TournamentID: 1, Symbol: "BTCUSDT", Side: "BUY"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, _ := ms.GetWallet(ctx, 1, 1)
	if !got.Balance.Equal(d(1000)) {
		t.Errorf("balance should be rolled back to 1000, got %s", got.Balance)
	}
	trades, _ := ms.ListTrades(ctx, 1, 1)
	if len(trades) != 0 {
		t.Errorf("trade insert should be rolled back, got %d trades", len(trades))
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	wallet := &model.Wallet{UserID: 1, TournamentID: 1, Balance: d(1000)}
	ms.CreateWallet(ctx, wallet)

	err := ms.WithTx(ctx, func(tx store.Store) error {
		return tx.UpdateWalletBalance(ctx, wallet.ID, d(750))
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	got, _ := ms.GetWallet(ctx, 1, 1)
	if !got.Balance.Equal(d(750)) {
		t.Errorf("expected committed balance 750, got %s", got.Balance)
	}
}

func TestWithTx_RejectsNesting(t *testing.T) {
	ms := store.NewMemoryStore()

	err := ms.WithTx(context.Background(), func(tx store.Store) error {
		return tx.WithTx(context.Background(), func(store.Store) error { return nil })
	})
	if err == nil {
		t.Fatal("nested transactions should be rejected")
	}
}

func TestCloseDemoOrder_SecondCloseFails(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	order := &model.DemoOrder{
		UserID: 1, Symbol: "BTCUSDT", Side: "BUY",
		Size: d(1), EntryPrice: d(100), CurrentPrice: d(100),
		Status: model.OrderOpen, CreatedAt: time.Now().UTC(),
	}
	ms.InsertDemoOrder(ctx, order)

	if err := ms.CloseDemoOrder(ctx, order.ID, model.OrderClosed, d(110), d(10), time.Now().UTC()); err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	err := ms.CloseDemoOrder(ctx, order.ID, model.OrderTPHit, d(111), d(11), time.Now().UTC())
	if !errors.Is(err, store.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}

	// The losing close must not overwrite the terminal state.
	got, _ := ms.GetDemoOrder(ctx, order.ID, 1)
	if got.Status != model.OrderClosed {
		t.Errorf("expected CLOSED, got %s", got.Status)
	}
	if !got.ClosePrice.Equal(d(110)) {
		t.Errorf("expected close price 110, got %s", got.ClosePrice)
	}
}
