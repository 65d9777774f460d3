package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// WithTx holds the store mutex for the whole transaction and restores a
// snapshot on error, giving the same serialization and rollback guarantees
// the PostgreSQL store gets from row locks and transactions.
type MemoryStore struct {
	mu sync.Mutex
	// locked marks a transactional view whose methods must not re-lock.
	locked bool
	d      *memData
}

type memData struct {
	nextID      int64
	tournaments map[int64]*model.Tournament
	wallets     map[int64]*model.Wallet
	positions   map[int64]*model.Position
	trades      []model.Trade
	demoWallets map[int64]*model.DemoWallet
	demoOrders  map[int64]*model.DemoOrder
	users       map[int64]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: &memData{
		tournaments: make(map[int64]*model.Tournament),
		wallets:     make(map[int64]*model.Wallet),
		positions:   make(map[int64]*model.Position),
		demoWallets: make(map[int64]*model.DemoWallet),
		demoOrders:  make(map[int64]*model.DemoOrder),
		users:       make(map[int64]string),
	}}
}

func (s *MemoryStore) acquire() func() {
	if s.locked {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (d *memData) clone() *memData {
	c := &memData{
		nextID:      d.nextID,
		tournaments: make(map[int64]*model.Tournament, len(d.tournaments)),
		wallets:     make(map[int64]*model.Wallet, len(d.wallets)),
		positions:   make(map[int64]*model.Position, len(d.positions)),
		trades:      append([]model.Trade(nil), d.trades...),
		demoWallets: make(map[int64]*model.DemoWallet, len(d.demoWallets)),
		demoOrders:  make(map[int64]*model.DemoOrder, len(d.demoOrders)),
		users:       make(map[int64]string, len(d.users)),
	}
	for id, t := range d.tournaments {
		cp := *t
		c.tournaments[id] = &cp
	}
	for id, w := range d.wallets {
		cp := *w
		c.wallets[id] = &cp
	}
	for id, p := range d.positions {
		cp := *p
		c.positions[id] = &cp
	}
	for id, w := range d.demoWallets {
		cp := *w
		c.demoWallets[id] = &cp
	}
	for id, o := range d.demoOrders {
		cp := *o
		c.demoOrders[id] = &cp
	}
	for id, u := range d.users {
		c.users[id] = u
	}
	return c
}

// WithTx serializes the whole transaction under the store mutex and rolls
// back to a snapshot if fn fails.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	if s.locked {
		return errors.New("nested transactions are not supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.d.clone()
	view := &MemoryStore{locked: true, d: s.d}
	if err := fn(view); err != nil {
		*s.d = *snap
		return err
	}
	return nil
}

// SeedUser registers a username for leaderboard enrichment in tests.
func (s *MemoryStore) SeedUser(id int64, username string) {
	defer s.acquire()()
	s.d.users[id] = username
}

// --- Tournaments ---

func (s *MemoryStore) CreateTournament(_ context.Context, t *model.Tournament) error {
	defer s.acquire()()
	s.d.nextID++
	t.ID = s.d.nextID
	cp := *t
	s.d.tournaments[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTournament(_ context.Context, id int64) (*model.Tournament, error) {
	defer s.acquire()()
	t, ok := s.d.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListActiveTournaments(_ context.Context) ([]model.Tournament, error) {
	defer s.acquire()()
	var tournaments []model.Tournament
	for _, t := range s.d.tournaments {
		if t.IsActive {
			tournaments = append(tournaments, *t)
		}
	}
	sort.Slice(tournaments, func(i, j int) bool { return tournaments[i].ID < tournaments[j].ID })
	return tournaments, nil
}

// --- Wallets ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	defer s.acquire()()
	for _, existing := range s.d.wallets {
		if existing.UserID == w.UserID && existing.TournamentID == w.TournamentID {
			return errors.New("wallet already exists")
		}
	}
	s.d.nextID++
	w.ID = s.d.nextID
	cp := *w
	s.d.wallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, tournamentID int64) (*model.Wallet, error) {
	defer s.acquire()()
	for _, w := range s.d.wallets {
		if w.UserID == userID && w.TournamentID == tournamentID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetWalletForUpdate(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error) {
	return s.GetWallet(ctx, userID, tournamentID)
}

func (s *MemoryStore) UpdateWalletBalance(_ context.Context, walletID int64, balance decimal.Decimal) error {
	defer s.acquire()()
	w, ok := s.d.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	return nil
}

func (s *MemoryStore) ListWallets(_ context.Context, tournamentID int64) ([]model.Wallet, error) {
	defer s.acquire()()
	var wallets []model.Wallet
	for _, w := range s.d.wallets {
		if w.TournamentID == tournamentID {
			wallets = append(wallets, *w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID < wallets[j].ID })
	return wallets, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, tournamentID int64, symbol string) (*model.Position, error) {
	defer s.acquire()()
	for _, p := range s.d.positions {
		if p.UserID == userID && p.TournamentID == tournamentID && p.Symbol == symbol {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	defer s.acquire()()
	for _, existing := range s.d.positions {
		if existing.UserID == p.UserID && existing.TournamentID == p.TournamentID && existing.Symbol == p.Symbol {
			existing.Quantity = p.Quantity
			existing.AveragePrice = p.AveragePrice
			p.ID = existing.ID
			return nil
		}
	}
	s.d.nextID++
	p.ID = s.d.nextID
	cp := *p
	s.d.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, id int64) error {
	defer s.acquire()()
	delete(s.d.positions, id)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID, tournamentID int64) ([]model.Position, error) {
	defer s.acquire()()
	var positions []model.Position
	for _, p := range s.d.positions {
		if p.UserID == userID && p.TournamentID == tournamentID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// --- Immutable trade ledger ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	defer s.acquire()()
	s.d.nextID++
	t.ID = s.d.nextID
	s.d.trades = append(s.d.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID, tournamentID int64) ([]model.Trade, error) {
	defer s.acquire()()
	var trades []model.Trade
	for i := len(s.d.trades) - 1; i >= 0; i-- {
		t := s.d.trades[i]
		if t.UserID == userID && t.TournamentID == tournamentID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// --- Demo mode ---

func (s *MemoryStore) CreateDemoWallet(_ context.Context, w *model.DemoWallet) error {
	defer s.acquire()()
	for _, existing := range s.d.demoWallets {
		if existing.UserID == w.UserID {
			return errors.New("demo wallet already exists")
		}
	}
	s.d.nextID++
	w.ID = s.d.nextID
	cp := *w
	s.d.demoWallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDemoWallet(_ context.Context, userID int64) (*model.DemoWallet, error) {
	defer s.acquire()()
	for _, w := range s.d.demoWallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetDemoWalletForUpdate(ctx context.Context, userID int64) (*model.DemoWallet, error) {
	return s.GetDemoWallet(ctx, userID)
}

func (s *MemoryStore) UpdateDemoWalletBalance(_ context.Context, walletID int64, balance decimal.Decimal) error {
	defer s.acquire()()
	w, ok := s.d.demoWallets[walletID]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertDemoOrder(_ context.Context, o *model.DemoOrder) error {
	defer s.acquire()()
	s.d.nextID++
	o.ID = s.d.nextID
	cp := *o
	s.d.demoOrders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDemoOrder(_ context.Context, orderID, userID int64) (*model.DemoOrder, error) {
	defer s.acquire()()
	o, ok := s.d.demoOrders[orderID]
	if !ok || o.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenDemoOrders(_ context.Context, symbol string) ([]model.DemoOrder, error) {
	defer s.acquire()()
	var orders []model.DemoOrder
	for _, o := range s.d.demoOrders {
		if o.Symbol == symbol && o.Status == model.OrderOpen {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *MemoryStore) ListDemoOrders(_ context.Context, userID int64, status string) ([]model.DemoOrder, error) {
	defer s.acquire()()
	var orders []model.DemoOrder
	for _, o := range s.d.demoOrders {
		if o.UserID == userID && (status == "" || o.Status == status) {
			orders = append(orders, *o)
		}
	}
	// Newest first.
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (s *MemoryStore) UpdateDemoOrderMark(_ context.Context, orderID int64, currentPrice, pnl decimal.Decimal) error {
	defer s.acquire()()
	o, ok := s.d.demoOrders[orderID]
	if !ok || o.Status != model.OrderOpen {
		return nil
	}
	o.CurrentPrice = currentPrice
	o.PnL = pnl
	return nil
}

func (s *MemoryStore) CloseDemoOrder(_ context.Context, orderID int64, status string, closePrice, pnl decimal.Decimal, closedAt time.Time) error {
	defer s.acquire()()
	o, ok := s.d.demoOrders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != model.OrderOpen {
		return ErrAlreadyClosed
	}
	o.Status = status
	cp := closePrice
	o.ClosePrice = &cp
	o.CurrentPrice = closePrice
	o.PnL = pnl
	at := closedAt
	o.ClosedAt = &at
	return nil
}

// --- Users ---

func (s *MemoryStore) GetUsername(_ context.Context, userID int64) (string, error) {
	defer s.acquire()()
	u, ok := s.d.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return u, nil
}
