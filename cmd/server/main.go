package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradearena/trading-engine/internal/demo"
	"github.com/tradearena/trading-engine/internal/engine"
	"github.com/tradearena/trading-engine/internal/hub"
	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/metrics"
	"github.com/tradearena/trading-engine/internal/ranking"
	"github.com/tradearena/trading-engine/internal/store"
)

const (
	defaultBinanceREST = "https://api.binance.com"
	defaultBinanceWS   = "wss://stream.binance.com:9443/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Ledger store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Ranking store ---
	var rs ranking.RankingStore
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		rs = ranking.NewRedisRankingStore(rdb)
		slog.Info("Redis leaderboard enabled")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory leaderboard")
		rs = ranking.NewMemoryRankingStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price source ---
	restURL := os.Getenv("BINANCE_REST_URL")
	if restURL == "" {
		restURL = defaultBinanceREST
	}
	wsURL := os.Getenv("BINANCE_WS_URL")
	if wsURL == "" {
		wsURL = defaultBinanceWS
	}
	source := market.NewBinanceSource(restURL, wsURL)

	// --- Services ---
	demoSvc := demo.NewService(st, source)

	wsHub := hub.NewHub(demoSvc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsHub.Run(ctx)

	// The ranking service computes PnL through the engine, and the engine
	// refreshes rankings after settlement, so the second edge is wired late.
	tradeSvc := engine.NewService(st, source, nil, wsHub)
	rankSvc := ranking.NewService(rs, st, tradeSvc, wsHub)
	tradeSvc.SetRanking(rankSvc)

	// Full recompute catches PnL drift from price moves between trades and
	// pushes leaderboard_update to subscribers.
	go rankSvc.RunPeriodicRefresh(ctx, 30*time.Second)

	dispatcher := hub.NewDispatcher(wsHub, source, rankSvc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time updates.
		r.Get("/ws", wsHub.HandleWS(dispatcher))

		// Tournament trading.
		r.Post("/trades", tradeSvc.ExecuteTradeHandler)
		r.Route("/tournaments/{tournamentID}", func(r chi.Router) {
			r.Post("/join", tradeSvc.JoinHandler)
			r.Get("/pnl/{userID}", tradeSvc.PnLHandler)
			r.Get("/trades/{userID}", tradeSvc.HistoryHandler)
			r.Get("/leaderboard", rankSvc.LeaderboardHandler)
			r.Get("/rank/{userID}", rankSvc.RankHandler)
		})

		// Demo trading.
		r.Route("/demo", func(r chi.Router) {
			r.Post("/orders", demoSvc.PlaceOrderHandler)
			r.Post("/orders/{orderID}/close", demoSvc.CloseOrderHandler)
			r.Get("/orders/{userID}", demoSvc.OrdersHandler)
			r.Get("/wallet/{userID}", demoSvc.WalletHandler)
			r.Post("/wallet/{userID}/deposit", demoSvc.DepositHandler)
		})

		// Market data passthrough.
		r.Get("/price", market.PriceHandler(source))
		r.Get("/candles", market.CandlesHandler(source))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
