package market

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// CandlesHandler serves GET /api/v1/candles as a passthrough to the price
// source: ?symbol=BTCUSDT&interval=1h&limit=100.
func CandlesHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "1h"
		}
		limit := ParseLimit(r.URL.Query().Get("limit"), 100)

		candles, err := src.Candles(r.Context(), symbol, interval, limit)
		if err != nil {
			if errors.Is(err, ErrPriceUnavailable) {
				writeError(w, http.StatusServiceUnavailable, "market data unavailable")
				return
			}
			writeError(w, http.StatusBadGateway, "market data fetch failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"symbol":   symbol,
			"interval": interval,
			"candles":  candles,
		})
	}
}

// PriceHandler serves GET /api/v1/price as a passthrough to the source.
func PriceHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		price, err := src.CurrentPrice(r.Context(), symbol)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "price unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"symbol": symbol, "price": price})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
