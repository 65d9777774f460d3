// Package market wraps the external market-data provider. It exposes
// synchronous price and candle lookups plus an asynchronous per-symbol tick
// subscription, and keeps a last-known-price cache for fallback when the
// live call fails.
package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when neither a live quote nor a cached
// fallback exists for a symbol.
var ErrPriceUnavailable = errors.New("price unavailable")

// Tick is a single upstream price update.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// TickHandler is invoked for every tick on a subscribed symbol. Handlers
// run on the feed's goroutine and must hand work off rather than block.
type TickHandler func(Tick)

// Source is the abstracted market-data capability consumed by the engine.
type Source interface {
	// CurrentPrice returns the current reference price for a symbol,
	// falling back to the last cached tick when the live lookup fails.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Candles returns the last limit bars for a symbol at the given interval.
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// Subscribe starts a tick stream for the symbol and invokes fn on every
	// tick until ctx is cancelled. Subscribing to an already subscribed
	// symbol is a no-op.
	Subscribe(ctx context.Context, symbol string, fn TickHandler) error
}

// StaticSource is an in-memory Source for tests and development. Prices
// are set explicitly; Push delivers a tick to the registered handler.
type StaticSource struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	handlers map[string]TickHandler
	// FailLive simulates the upstream REST endpoint being down: lookups
	// serve only the cache.
	FailLive bool
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		prices:   make(map[string]decimal.Decimal),
		handlers: make(map[string]TickHandler),
	}
}

// SetPrice sets the current price for a symbol.
func (s *StaticSource) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// ClearPrice removes a symbol's price entirely.
func (s *StaticSource) ClearPrice(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, symbol)
}

func (s *StaticSource) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return p, nil
}

func (s *StaticSource) Candles(_ context.Context, _ string, _ string, _ int) ([]Candle, error) {
	return nil, nil
}

func (s *StaticSource) Subscribe(_ context.Context, symbol string, fn TickHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[symbol]; ok {
		return nil
	}
	s.handlers[symbol] = fn
	return nil
}

// Push updates the cached price and delivers a tick to the symbol's
// handler, if one is registered.
func (s *StaticSource) Push(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	fn := s.handlers[symbol]
	s.mu.Unlock()

	if fn != nil {
		fn(Tick{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()})
	}
}
