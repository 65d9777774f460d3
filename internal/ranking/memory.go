package ranking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRankingStore implements RankingStore with in-memory maps. Used for
// testing and development.
type MemoryRankingStore struct {
	mu      sync.Mutex
	scores  map[int64]map[int64]float64 // tournament → user → score
	details map[int64]map[int64]cachedDetail
}

type cachedDetail struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryRankingStore creates an empty in-memory ranking store.
func NewMemoryRankingStore() *MemoryRankingStore {
	return &MemoryRankingStore{
		scores:  make(map[int64]map[int64]float64),
		details: make(map[int64]map[int64]cachedDetail),
	}
}

func (s *MemoryRankingStore) SetScore(_ context.Context, tournamentID, userID int64, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scores[tournamentID] == nil {
		s.scores[tournamentID] = make(map[int64]float64)
	}
	s.scores[tournamentID][userID] = score
	return nil
}

// sorted returns the tournament's entries highest score first. Ties break
// by user id, which is as undefined-beyond-score as the Redis ordering.
func (s *MemoryRankingStore) sorted(tournamentID int64) []ScoreEntry {
	entries := make([]ScoreEntry, 0, len(s.scores[tournamentID]))
	for userID, score := range s.scores[tournamentID] {
		entries = append(entries, ScoreEntry{UserID: userID, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

func (s *MemoryRankingStore) TopScores(_ context.Context, tournamentID int64, limit int) ([]ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted(tournamentID)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryRankingStore) Rank(_ context.Context, tournamentID, userID int64) (int64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.sorted(tournamentID) {
		if e.UserID == userID {
			return int64(i) + 1, e.Score, nil
		}
	}
	return 0, 0, ErrNotRanked
}

func (s *MemoryRankingStore) Count(_ context.Context, tournamentID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.scores[tournamentID])), nil
}

func (s *MemoryRankingStore) SetDetail(_ context.Context, tournamentID, userID int64, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.details[tournamentID] == nil {
		s.details[tournamentID] = make(map[int64]cachedDetail)
	}
	s.details[tournamentID][userID] = cachedDetail{
		data:      append([]byte(nil), data...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryRankingStore) GetDetail(_ context.Context, tournamentID, userID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[tournamentID][userID]
	if !ok || time.Now().After(d.expiresAt) {
		return nil, ErrDetailMiss
	}
	return append([]byte(nil), d.data...), nil
}
