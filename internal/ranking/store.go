// Package ranking maintains the derived leaderboard view: one sorted set
// of PnL scores per tournament plus a short-TTL cache of per-user detail.
// The view is expendable — it can always be rebuilt from the ledger.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotRanked is returned when a user has no score entry yet.
var ErrNotRanked = errors.New("user not ranked")

// ErrDetailMiss is returned on a detail cache miss; callers recompute.
var ErrDetailMiss = errors.New("detail cache miss")

// ScoreEntry is one member of a tournament's sorted score set.
type ScoreEntry struct {
	UserID int64
	Score  float64
}

// RankingStore is the low-latency sorted score view. Implementations:
// Redis (production) and in-memory (tests).
type RankingStore interface {
	// SetScore writes the user's PnL score into the tournament's set.
	SetScore(ctx context.Context, tournamentID, userID int64, score float64) error
	// TopScores returns up to limit entries, highest score first.
	TopScores(ctx context.Context, tournamentID int64, limit int) ([]ScoreEntry, error)
	// Rank returns the user's 1-indexed rank and score, or ErrNotRanked.
	Rank(ctx context.Context, tournamentID, userID int64) (rank int64, score float64, err error)
	// Count returns the number of ranked participants.
	Count(ctx context.Context, tournamentID int64) (int64, error)
	// SetDetail caches the serialized PnL detail blob with a TTL.
	SetDetail(ctx context.Context, tournamentID, userID int64, data []byte, ttl time.Duration) error
	// GetDetail returns the cached blob or ErrDetailMiss.
	GetDetail(ctx context.Context, tournamentID, userID int64) ([]byte, error)
}

// RedisRankingStore implements RankingStore on Redis sorted sets.
type RedisRankingStore struct {
	rdb *redis.Client
}

// NewRedisRankingStore creates a Redis-backed ranking store.
func NewRedisRankingStore(rdb *redis.Client) *RedisRankingStore {
	return &RedisRankingStore{rdb: rdb}
}

func leaderboardKey(tournamentID int64) string {
	return fmt.Sprintf("tournament:%d:leaderboard", tournamentID)
}

func detailKey(tournamentID, userID int64) string {
	return fmt.Sprintf("tournament:%d:user:%d", tournamentID, userID)
}

func (s *RedisRankingStore) SetScore(ctx context.Context, tournamentID, userID int64, score float64) error {
	return s.rdb.ZAdd(ctx, leaderboardKey(tournamentID), redis.Z{
		Score:  score,
		Member: fmt.Sprintf("%d", userID),
	}).Err()
}

func (s *RedisRankingStore) TopScores(ctx context.Context, tournamentID int64, limit int) ([]ScoreEntry, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, leaderboardKey(tournamentID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]ScoreEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		var userID int64
		if _, err := fmt.Sscanf(member, "%d", &userID); err != nil {
			continue
		}
		entries = append(entries, ScoreEntry{UserID: userID, Score: z.Score})
	}
	return entries, nil
}

func (s *RedisRankingStore) Rank(ctx context.Context, tournamentID, userID int64) (int64, float64, error) {
	key := leaderboardKey(tournamentID)
	member := fmt.Sprintf("%d", userID)

	rank, err := s.rdb.ZRevRank(ctx, key, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, ErrNotRanked
		}
		return 0, 0, err
	}

	score, err := s.rdb.ZScore(ctx, key, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, ErrNotRanked
		}
		return 0, 0, err
	}
	return rank + 1, score, nil
}

func (s *RedisRankingStore) Count(ctx context.Context, tournamentID int64) (int64, error) {
	return s.rdb.ZCard(ctx, leaderboardKey(tournamentID)).Result()
}

func (s *RedisRankingStore) SetDetail(ctx context.Context, tournamentID, userID int64, data []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, detailKey(tournamentID, userID), data, ttl).Err()
}

func (s *RedisRankingStore) GetDetail(ctx context.Context, tournamentID, userID int64) ([]byte, error) {
	data, err := s.rdb.Get(ctx, detailKey(tournamentID, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDetailMiss
		}
		return nil, err
	}
	return data, nil
}
