package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// Stalled feed detection: no message within this window forces a
	// reconnect.
	readTimeout      = 60 * time.Second
	reconnectBackoff = 5 * time.Second
)

// BinanceSource implements Source against the Binance spot API: REST for
// price and candle lookups, a websocket trade stream per subscribed
// symbol. Every tick and every successful REST lookup refreshes the
// mutex-guarded last-price cache, which serves as the fallback when the
// live call fails.
type BinanceSource struct {
	restURL string
	wsURL   string
	client  *http.Client

	mu         sync.Mutex
	lastPrices map[string]decimal.Decimal
	subscribed map[string]bool
}

// NewBinanceSource creates a source against the given REST and websocket
// base URLs (e.g. https://api.binance.com and wss://stream.binance.com:9443/ws).
func NewBinanceSource(restURL, wsURL string) *BinanceSource {
	return &BinanceSource{
		restURL:    strings.TrimRight(restURL, "/"),
		wsURL:      strings.TrimRight(wsURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		lastPrices: make(map[string]decimal.Decimal),
		subscribed: make(map[string]bool),
	}
}

func (s *BinanceSource) cachePrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.lastPrices[symbol] = price
	s.mu.Unlock()
}

func (s *BinanceSource) cachedPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.lastPrices[symbol]
	return p, ok
}

// CurrentPrice fetches the live ticker price, falling back to the cache
// when the call fails. ErrPriceUnavailable when neither exists.
func (s *BinanceSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := s.fetchTickerPrice(ctx, symbol)
	if err != nil {
		if cached, ok := s.cachedPrice(symbol); ok {
			slog.Warn("live price lookup failed, using cached price",
				"symbol", symbol, "err", err)
			return cached, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	s.cachePrice(symbol, price)
	return price, nil
}

func (s *BinanceSource) fetchTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", s.restURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("ticker status %d: %s", resp.StatusCode, body)
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(ticker.Price)
}

// Candles fetches the last limit klines for the symbol.
func (s *BinanceSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	u := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		s.restURL, url.QueryEscape(symbol), url.QueryEscape(interval), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("klines status %d: %s", resp.StatusCode, body)
	}

	// Binance klines come back as arrays:
	// [openTime, "open", "high", "low", "close", "volume", closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		var openMs, closeMs int64
		if err := json.Unmarshal(k[0], &openMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(k[6], &closeMs); err != nil {
			return nil, err
		}

		c := Candle{
			OpenTime:  time.UnixMilli(openMs).UTC(),
			CloseTime: time.UnixMilli(closeMs).UTC(),
		}
		for i, dst := range []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			var v string
			if err := json.Unmarshal(k[i+1], &v); err != nil {
				return nil, err
			}
			if *dst, err = decimal.NewFromString(v); err != nil {
				return nil, err
			}
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// Subscribe starts a trade-stream reader for the symbol. The reader runs
// on its own goroutine, reconnects with backoff on failure, and stops when
// ctx is cancelled. Repeated subscriptions for the same symbol are no-ops.
func (s *BinanceSource) Subscribe(ctx context.Context, symbol string, fn TickHandler) error {
	s.mu.Lock()
	if s.subscribed[symbol] {
		s.mu.Unlock()
		return nil
	}
	s.subscribed[symbol] = true
	s.mu.Unlock()

	stream := fmt.Sprintf("%s/%s@trade", s.wsURL, strings.ToLower(symbol))

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.readStream(ctx, symbol, stream, fn); err != nil {
				slog.Warn("price stream disconnected",
					"symbol", symbol, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}()

	slog.Info("subscribed to price stream", "symbol", symbol, "stream", stream)
	return nil
}

// readStream dials one websocket session and pumps ticks until the
// connection errors or stalls past the read timeout.
func (s *BinanceSource) readStream(ctx context.Context, symbol, stream string, fn TickHandler) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, stream, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", stream, err)
	}
	defer conn.Close()

	// The watcher must not outlive this session: done releases it when the
	// read loop exits on its own, not only on ctx cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("price stream connected", "symbol", symbol)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev struct {
			Symbol   string `json:"s"`
			Price    string `json:"p"`
			Quantity string `json:"q"`
			TradeMs  int64  `json:"T"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Warn("bad tick payload", "symbol", symbol, "err", err)
			continue
		}

		price, err := decimal.NewFromString(ev.Price)
		if err != nil {
			continue
		}
		qty, _ := decimal.NewFromString(ev.Quantity)

		s.cachePrice(ev.Symbol, price)

		fn(Tick{
			Symbol:    ev.Symbol,
			Price:     price,
			Quantity:  qty,
			Timestamp: time.UnixMilli(ev.TradeMs).UTC(),
		})
	}
}

// ParseLimit clamps a client-supplied candle limit to Binance's accepted
// range.
func ParseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}
