package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/model"
	"github.com/tradearena/trading-engine/internal/store"
)

// detailTTL bounds leaderboard detail staleness.
const detailTTL = 5 * time.Minute

// PnLCalculator recomputes a user's profit-and-loss from the ledger and
// current prices. Implemented by the settlement engine.
type PnLCalculator interface {
	CalculatePnL(ctx context.Context, userID, tournamentID int64) (*model.PnLReport, error)
}

// LeaderboardBroadcaster pushes a refreshed leaderboard to tournament
// subscribers. Optional; failures are the broadcaster's problem.
type LeaderboardBroadcaster interface {
	BroadcastLeaderboardUpdate(tournamentID int64, entries []Entry)
}

// Entry is one leaderboard row.
type Entry struct {
	Rank           int             `json:"rank"`
	UserID         int64           `json:"user_id"`
	Username       string          `json:"username"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPercentage  decimal.Decimal `json:"pnl_percentage"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
}

// RankInfo is a single user's standing.
type RankInfo struct {
	UserID            int64           `json:"user_id"`
	Ranked            bool            `json:"ranked"`
	Rank              int64           `json:"rank,omitempty"`
	PnL               decimal.Decimal `json:"pnl"`
	TotalParticipants int64           `json:"total_participants"`
}

// Service maintains the derived ranking view. All of its writes are
// best-effort relative to trade settlement: an error here is logged by the
// caller, never rolled into the trade.
type Service struct {
	rstore      RankingStore
	ledger      store.Store
	calc        PnLCalculator
	broadcaster LeaderboardBroadcaster
}

// NewService creates a ranking service. broadcaster may be nil.
func NewService(rs RankingStore, ledger store.Store, calc PnLCalculator, broadcaster LeaderboardBroadcaster) *Service {
	return &Service{rstore: rs, ledger: ledger, calc: calc, broadcaster: broadcaster}
}

// UpdateUserRanking recomputes the user's PnL, writes the score into the
// tournament's sorted set, and caches the full detail for fast reads.
func (s *Service) UpdateUserRanking(ctx context.Context, userID, tournamentID int64) error {
	report, err := s.calc.CalculatePnL(ctx, userID, tournamentID)
	if err != nil {
		return err
	}

	if err := s.rstore.SetScore(ctx, tournamentID, userID, report.PnL.InexactFloat64()); err != nil {
		return err
	}

	if data, err := json.Marshal(report); err == nil {
		if err := s.rstore.SetDetail(ctx, tournamentID, userID, data, detailTTL); err != nil {
			slog.Warn("detail cache write failed",
				"user", userID, "tournament", tournamentID, "err", err)
		}
	}
	return nil
}

// UpdateAllRankings recomputes every participant. One user's failure is
// logged and skipped; it never aborts the batch. After the pass the
// refreshed leaderboard is broadcast to tournament subscribers.
func (s *Service) UpdateAllRankings(ctx context.Context, tournamentID int64) error {
	wallets, err := s.ledger.ListWallets(ctx, tournamentID)
	if err != nil {
		return err
	}

	slog.Info("recomputing rankings", "tournament", tournamentID, "participants", len(wallets))
	for _, w := range wallets {
		if err := s.UpdateUserRanking(ctx, w.UserID, tournamentID); err != nil {
			slog.Error("ranking update failed, skipping user",
				"user", w.UserID, "tournament", tournamentID, "err", err)
		}
	}

	if s.broadcaster != nil {
		if entries, err := s.GetLeaderboard(ctx, tournamentID, 100); err == nil {
			s.broadcaster.BroadcastLeaderboardUpdate(tournamentID, entries)
		}
	}
	return nil
}

// RunPeriodicRefresh recomputes every active tournament's rankings on the
// given interval until ctx is cancelled. Must be called in a goroutine.
func (s *Service) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tournaments, err := s.ledger.ListActiveTournaments(ctx)
			if err != nil {
				slog.Error("active tournament listing failed", "err", err)
				continue
			}
			for _, t := range tournaments {
				if err := s.UpdateAllRankings(ctx, t.ID); err != nil {
					slog.Error("periodic ranking refresh failed",
						"tournament", t.ID, "err", err)
				}
			}
		}
	}
}

// GetLeaderboard returns the top limit users by descending PnL, 1-indexed,
// enriched with username and cached detail. A detail cache miss triggers a
// fresh recompute rather than an error.
func (s *Service) GetLeaderboard(ctx context.Context, tournamentID int64, limit int) ([]Entry, error) {
	scores, err := s.rstore.TopScores(ctx, tournamentID, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(scores))
	for i, sc := range scores {
		username, err := s.ledger.GetUsername(ctx, sc.UserID)
		if err != nil {
			// Score entry for a user the ledger no longer knows; skip.
			continue
		}

		entry := Entry{
			Rank:     i + 1,
			UserID:   sc.UserID,
			Username: username,
			PnL:      decimal.NewFromFloat(sc.Score),
		}

		report, err := s.detail(ctx, tournamentID, sc.UserID)
		if err != nil {
			slog.Warn("leaderboard detail unavailable",
				"user", sc.UserID, "tournament", tournamentID, "err", err)
		} else {
			entry.PnLPercentage = report.PnLPercentage
			entry.PortfolioValue = report.TotalPortfolioValue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// detail serves the cached PnL report, recomputing on a miss.
func (s *Service) detail(ctx context.Context, tournamentID, userID int64) (*model.PnLReport, error) {
	if data, err := s.rstore.GetDetail(ctx, tournamentID, userID); err == nil {
		var report model.PnLReport
		if json.Unmarshal(data, &report) == nil {
			return &report, nil
		}
	} else if !errors.Is(err, ErrDetailMiss) {
		return nil, err
	}
	return s.calc.CalculatePnL(ctx, userID, tournamentID)
}

// GetUserRank returns the user's 1-indexed rank, score, and the total
// participant count. A user with no score entry yet gets Ranked=false.
func (s *Service) GetUserRank(ctx context.Context, userID, tournamentID int64) (*RankInfo, error) {
	total, err := s.rstore.Count(ctx, tournamentID)
	if err != nil {
		return nil, err
	}

	rank, score, err := s.rstore.Rank(ctx, tournamentID, userID)
	if err != nil {
		if errors.Is(err, ErrNotRanked) {
			return &RankInfo{UserID: userID, Ranked: false, TotalParticipants: total}, nil
		}
		return nil, err
	}

	return &RankInfo{
		UserID:            userID,
		Ranked:            true,
		Rank:              rank,
		PnL:               decimal.NewFromFloat(score),
		TotalParticipants: total,
	}, nil
}
