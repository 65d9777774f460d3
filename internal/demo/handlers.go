package demo

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/engine"
	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

// PlaceOrderRequest is the JSON body for POST /api/v1/demo/orders.
type PlaceOrderRequest struct {
	UserID     int64            `json:"user_id"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// DepositRequest is the JSON body for POST /api/v1/demo/wallet/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceOrderHandler handles POST /api/v1/demo/orders. An omitted entry
// price fills at the current market price.
func (s *Service) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.EntryPrice.IsZero() {
		price, err := s.source.CurrentPrice(r.Context(), req.Symbol)
		if err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		req.EntryPrice = price
	}

	order, err := s.PlaceOrder(r.Context(), req.UserID, req.Symbol, req.Side,
		req.Size, req.EntryPrice, req.StopLoss, req.TakeProfit)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CloseOrderHandler handles POST /api/v1/demo/orders/{orderID}/close.
func (s *Service) CloseOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.CloseOrderAtMarket(r.Context(), orderID, req.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// OrdersHandler handles GET /api/v1/demo/orders/{userID}?status=OPEN.
func (s *Service) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	orders, err := s.GetUserOrders(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.DemoOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// WalletHandler handles GET /api/v1/demo/wallet/{userID}.
func (s *Service) WalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	wallet, err := s.GetOrCreateWallet(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// DepositHandler handles POST /api/v1/demo/wallet/{userID}/deposit. The
// wallet is addressed by the path, never by the body.
func (s *Service) DepositHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, err := s.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func statusFor(err error) int {
	var validation *engine.ValidationError
	var funds *engine.InsufficientFundsError
	var state *engine.InvalidStateError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &funds), errors.As(err, &state):
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
