package ranking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/engine"
	"github.com/tradearena/trading-engine/internal/market"
	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/ranking"
	"github.com/tradearena/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc    *ranking.Service
	engine *engine.Service
	ms     *store.MemoryStore
	src    *market.StaticSource
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	src := market.NewStaticSource()
	eng := engine.NewService(ms, src, nil, nil)
	svc := ranking.NewService(ranking.NewMemoryRankingStore(), ms, eng, nil)
	eng.SetRanking(svc)

	r := chi.NewRouter()
	r.Route("/api/v1/tournaments/{tournamentID}", func(r chi.Router) {
		r.Get("/leaderboard", svc.LeaderboardHandler)
		r.Get("/rank/{userID}", svc.RankHandler)
	})

	return &testEnv{svc: svc, engine: eng, ms: ms, src: src, router: r}
}

// seedTournament creates an active tournament and enrolls the given users
// with registered usernames.
func (e *testEnv) seedTournament(t *testing.T, initial float64, users ...int64) *model.Tournament {
	t.Helper()
	tournament := &model.Tournament{
		Name:           "Ranked Cup",
		StartTime:      time.Now().UTC().Add(-time.Hour),
		EndTime:        time.Now().UTC().Add(time.Hour),
		InitialBalance: d(initial),
		IsActive:       true,
	}
	if err := e.ms.CreateTournament(context.Background(), tournament); err != nil {
		t.Fatalf("failed to seed tournament: %v", err)
	}
	for _, uid := range users {
		e.ms.SeedUser(uid, "user"+strconv.FormatInt(uid, 10))
		if _, err := e.engine.JoinTournament(context.Background(), uid, tournament.ID); err != nil {
			t.Fatalf("failed to enroll user %d: %v", uid, err)
		}
	}
	return tournament
}

// --- Ranking updates ---

func TestUpdateUserRanking_ScoresByPnL(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1)
	ctx := context.Background()

	e.src.SetPrice("BTCUSDT", d(50000))
	e.engine.ExecuteTrade(ctx, 1, tournament.ID, "BTCUSDT", "BUY", d(0.1))
	e.src.SetPrice("BTCUSDT", d(55000))

	if err := e.svc.UpdateUserRanking(ctx, 1, tournament.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	info, err := e.svc.GetUserRank(ctx, 1, tournament.ID)
	if err != nil {
		t.Fatalf("rank failed: %v", err)
	}
	if !info.Ranked {
		t.Fatal("user should be ranked after update")
	}
	if info.Rank != 1 {
		t.Errorf("expected rank 1, got %d", info.Rank)
	}
	if !info.PnL.Equal(d(500)) {
		t.Errorf("expected pnl 500, got %s", info.PnL)
	}
}

func TestGetUserRank_NotRanked(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1)

	info, err := e.svc.GetUserRank(context.Background(), 1, tournament.ID)
	if err != nil {
		t.Fatalf("rank failed: %v", err)
	}
	if info.Ranked {
		t.Error("user with no score entry should have Ranked=false")
	}
	if info.Rank != 0 {
		t.Errorf("unranked user should carry no rank, got %d", info.Rank)
	}
}

func TestUpdateAllRankings_OrdersByDescendingPnL(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1, 2, 3)
	ctx := context.Background()

	// User 1 gains, user 2 loses, user 3 stays flat.
	e.src.SetPrice("BTCUSDT", d(100))
	e.engine.ExecuteTrade(ctx, 1, tournament.ID, "BTCUSDT", "BUY", d(10))
	e.engine.ExecuteTrade(ctx, 2, tournament.ID, "BTCUSDT", "BUY", d(10))
	e.src.SetPrice("BTCUSDT", d(150))
	e.engine.ExecuteTrade(ctx, 2, tournament.ID, "BTCUSDT", "SELL", d(10))
	e.src.SetPrice("BTCUSDT", d(100))
	e.engine.ExecuteTrade(ctx, 2, tournament.ID, "BTCUSDT", "BUY", d(10))
	e.src.SetPrice("BTCUSDT", d(50))

	if err := e.svc.UpdateAllRankings(ctx, tournament.ID); err != nil {
		t.Fatalf("batch update failed: %v", err)
	}

	entries, err := e.svc.GetLeaderboard(ctx, tournament.ID, 100)
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// User 2 banked +500 then lost 500 on the re-entry; user 1 is down 500.
	if entries[0].UserID != 3 && entries[0].UserID != 2 {
		t.Errorf("top entry should not be the losing user 1, got %d", entries[0].UserID)
	}
	if entries[len(entries)-1].UserID != 1 {
		t.Errorf("user 1 should rank last, got %d", entries[len(entries)-1].UserID)
	}
	for i, entry := range entries {
		if entry.Rank != i+1 {
			t.Errorf("entry %d should have rank %d, got %d", i, i+1, entry.Rank)
		}
	}

	// Rank endpoint must agree with the leaderboard position.
	for i, entry := range entries {
		info, err := e.svc.GetUserRank(ctx, entry.UserID, tournament.ID)
		if err != nil {
			t.Fatalf("rank failed for user %d: %v", entry.UserID, err)
		}
		if info.Rank != int64(i+1) {
			t.Errorf("user %d: rank endpoint says %d, leaderboard says %d",
				entry.UserID, info.Rank, i+1)
		}
		if info.TotalParticipants != 3 {
			t.Errorf("expected 3 participants, got %d", info.TotalParticipants)
		}
	}
}

func TestUpdateAllRankings_SkipsFailedUser(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1, 2)
	ctx := context.Background()

	e.src.SetPrice("BTCUSDT", d(100))
	e.engine.ExecuteTrade(ctx, 1, tournament.ID, "BTCUSDT", "BUY", d(10))

	// User 1's PnL needs a BTCUSDT price; taking it away makes that user's
	// recompute fail while user 2 (cash only) still succeeds.
	e.src.ClearPrice("BTCUSDT")

	if err := e.svc.UpdateAllRankings(ctx, tournament.ID); err != nil {
		t.Fatalf("batch should not fail on one bad user: %v", err)
	}

	entries, _ := e.svc.GetLeaderboard(ctx, tournament.ID, 100)
	if len(entries) != 1 || entries[0].UserID != 2 {
		t.Errorf("expected only user 2 ranked, got %+v", entries)
	}
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	updates map[int64][][]ranking.Entry
}

func (f *fakeBroadcaster) BroadcastLeaderboardUpdate(tournamentID int64, entries []ranking.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[int64][][]ranking.Entry)
	}
	f.updates[tournamentID] = append(f.updates[tournamentID], entries)
}

func (f *fakeBroadcaster) count(tournamentID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates[tournamentID])
}

func TestUpdateAllRankings_BroadcastsLeaderboard(t *testing.T) {
	ms := store.NewMemoryStore()
	src := market.NewStaticSource()
	eng := engine.NewService(ms, src, nil, nil)
	broadcaster := &fakeBroadcaster{}
	svc := ranking.NewService(ranking.NewMemoryRankingStore(), ms, eng, broadcaster)

	tournament := &model.Tournament{Name: "Cup", InitialBalance: d(10000), IsActive: true}
	ms.CreateTournament(context.Background(), tournament)
	ms.SeedUser(1, "user1")
	eng.JoinTournament(context.Background(), 1, tournament.ID)

	if err := svc.UpdateAllRankings(context.Background(), tournament.ID); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if broadcaster.count(tournament.ID) != 1 {
		t.Errorf("expected 1 leaderboard broadcast, got %d", broadcaster.count(tournament.ID))
	}
}

func TestRunPeriodicRefresh_CoversActiveTournaments(t *testing.T) {
	ms := store.NewMemoryStore()
	src := market.NewStaticSource()
	eng := engine.NewService(ms, src, nil, nil)
	broadcaster := &fakeBroadcaster{}
	svc := ranking.NewService(ranking.NewMemoryRankingStore(), ms, eng, broadcaster)

	active := &model.Tournament{Name: "Active", InitialBalance: d(10000), IsActive: true}
	ended := &model.Tournament{Name: "Ended", InitialBalance: d(10000), IsActive: false}
	ms.CreateTournament(context.Background(), active)
	ms.CreateTournament(context.Background(), ended)
	ms.SeedUser(1, "user1")
	eng.JoinTournament(context.Background(), 1, active.ID)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.RunPeriodicRefresh(ctx, 5*time.Millisecond)

	deadline := time.After(time.Second)
	for broadcaster.count(active.ID) == 0 {
		select {
		case <-deadline:
			t.Fatal("refresh loop never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if broadcaster.count(ended.ID) != 0 {
		t.Error("inactive tournament must not be refreshed")
	}
}

// --- Leaderboard details ---

func TestGetLeaderboard_EnrichesFromCachedDetail(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1)
	ctx := context.Background()

	e.src.SetPrice("BTCUSDT", d(100))
	e.engine.ExecuteTrade(ctx, 1, tournament.ID, "BTCUSDT", "BUY", d(10))
	e.src.SetPrice("BTCUSDT", d(150))
	e.svc.UpdateUserRanking(ctx, 1, tournament.ID)

	entries, err := e.svc.GetLeaderboard(ctx, tournament.ID, 100)
	if err != nil {
		t.Fatalf("leaderboard failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Username != "user1" {
		t.Errorf("expected username user1, got %s", entries[0].Username)
	}
	if !entries[0].PnLPercentage.Equal(d(5)) {
		t.Errorf("expected 5%% from cached detail, got %s", entries[0].PnLPercentage)
	}
	if !entries[0].PortfolioValue.Equal(d(10500)) {
		t.Errorf("expected portfolio 10500, got %s", entries[0].PortfolioValue)
	}
}

func TestGetLeaderboard_SkipsUnknownUsernames(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1)
	ctx := context.Background()

	e.svc.UpdateUserRanking(ctx, 1, tournament.ID)
	// A score entry for a user the ledger does not know.
	e.engine.JoinTournament(ctx, 2, tournament.ID)
	e.svc.UpdateUserRanking(ctx, 2, tournament.ID)

	entries, _ := e.svc.GetLeaderboard(ctx, tournament.ID, 100)
	for _, entry := range entries {
		if entry.UserID == 2 {
			t.Error("user without a username should be skipped")
		}
	}
}

// --- Settlement integration ---

func TestExecuteTrade_RefreshesRanking(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1)
	ctx := context.Background()

	e.src.SetPrice("BTCUSDT", d(100))
	if _, err := e.engine.ExecuteTrade(ctx, 1, tournament.ID, "BTCUSDT", "BUY", d(10)); err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	info, err := e.svc.GetUserRank(ctx, 1, tournament.ID)
	if err != nil {
		t.Fatalf("rank failed: %v", err)
	}
	if !info.Ranked {
		t.Error("settlement should have pushed the user into the ranking")
	}
}

// --- HTTP handlers ---

func TestLeaderboardHandler_RespectsLimit(t *testing.T) {
	e := newTestEnv(t)
	tournament := e.seedTournament(t, 10000, 1, 2, 3)
	ctx := context.Background()
	e.svc.UpdateAllRankings(ctx, tournament.ID)

	req := httptest.NewRequest("GET", "/api/v1/tournaments/1/leaderboard?limit=2", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var entries []ranking.Entry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Errorf("expected 2 entries with limit=2, got %d", len(entries))
	}
}

func TestRankHandler_UnrankedUser(t *testing.T) {
	e := newTestEnv(t)
	e.seedTournament(t, 10000, 1)

	req := httptest.NewRequest("GET", "/api/v1/tournaments/1/rank/1", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var info ranking.RankInfo
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Ranked {
		t.Error("expected Ranked=false")
	}
}
