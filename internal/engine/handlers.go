package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/metrics"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	UserID       int64           `json:"user_id"`
	TournamentID int64           `json:"tournament_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// JoinRequest is the JSON body for POST /api/v1/tournaments/{tournamentID}/join.
type JoinRequest struct {
	UserID int64 `json:"user_id"`
}

// ExecuteTradeHandler handles POST /api/v1/trades.
func (s *Service) ExecuteTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.ExecuteTrade(r.Context(), req.UserID, req.TournamentID, req.Symbol, req.Side, req.Quantity)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.TradeLatency.WithLabelValues(result.Side).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, result)
}

// PnLHandler handles GET /api/v1/tournaments/{tournamentID}/pnl/{userID}.
func (s *Service) PnLHandler(w http.ResponseWriter, r *http.Request) {
	tournamentID, userID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	report, err := s.CalculatePnL(r.Context(), userID, tournamentID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// JoinHandler handles POST /api/v1/tournaments/{tournamentID}/join.
func (s *Service) JoinHandler(w http.ResponseWriter, r *http.Request) {
	tournamentID, err := strconv.ParseInt(chi.URLParam(r, "tournamentID"), 10, 64)
	if err != nil {
		writeError(w, "invalid tournament id", http.StatusBadRequest)
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, err := s.JoinTournament(r.Context(), req.UserID, tournamentID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// HistoryHandler handles GET /api/v1/tournaments/{tournamentID}/trades/{userID}.
func (s *Service) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	tournamentID, userID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	trades, err := s.TradeHistory(r.Context(), userID, tournamentID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func pathIDs(w http.ResponseWriter, r *http.Request) (tournamentID, userID int64, ok bool) {
	tournamentID, err := strconv.ParseInt(chi.URLParam(r, "tournamentID"), 10, 64)
	if err != nil {
		writeError(w, "invalid tournament id", http.StatusBadRequest)
		return 0, 0, false
	}
	userID, err = strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return 0, 0, false
	}
	return tournamentID, userID, true
}

// statusFor maps the error taxonomy onto HTTP status codes. Business-rule
// rejections surface verbatim; persistence failures surface as 500 after
// the transaction has rolled back.
func statusFor(err error) int {
	var validation *ValidationError
	var funds *InsufficientFundsError
	var position *InsufficientPositionError
	var state *InvalidStateError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotEnrolled):
		return http.StatusForbidden
	case errors.As(err, &funds), errors.As(err, &position), errors.As(err, &state):
		return http.StatusConflict
	case errors.Is(err, market.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
