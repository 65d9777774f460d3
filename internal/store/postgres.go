package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trading-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// store methods run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithTx runs fn against a transaction-backed view of the store. All row
// locks taken via the ForUpdate getters are held until commit/rollback.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return errors.New("nested transactions are not supported")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Tournaments ---

func (s *PostgresStore) CreateTournament(ctx context.Context, t *model.Tournament) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO tournaments (name, description, start_time, end_time, initial_balance, prize_pool, is_active)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING id`,
		t.Name, t.Description, t.StartTime, t.EndTime,
		t.InitialBalance.String(), t.PrizePool.String(), t.IsActive,
	).Scan(&t.ID)
}

func (s *PostgresStore) GetTournament(ctx context.Context, id int64) (*model.Tournament, error) {
	var t model.Tournament
	var initial, prize string

	err := s.db.QueryRow(ctx,
		`SELECT id, name, COALESCE(description, ''), start_time, end_time,
		        initial_balance::TEXT, prize_pool::TEXT, is_active
		 FROM tournaments WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.StartTime, &t.EndTime,
			&initial, &prize, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tournament %d: %w", id, err)
	}

	t.InitialBalance, _ = decimal.NewFromString(initial)
	t.PrizePool, _ = decimal.NewFromString(prize)
	return &t, nil
}

func (s *PostgresStore) ListActiveTournaments(ctx context.Context) ([]model.Tournament, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, COALESCE(description, ''), start_time, end_time,
		        initial_balance::TEXT, prize_pool::TEXT, is_active
		 FROM tournaments WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tournaments []model.Tournament
	for rows.Next() {
		var t model.Tournament
		var initial, prize string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.StartTime, &t.EndTime,
			&initial, &prize, &t.IsActive); err != nil {
			return nil, err
		}
		t.InitialBalance, _ = decimal.NewFromString(initial)
		t.PrizePool, _ = decimal.NewFromString(prize)
		tournaments = append(tournaments, t)
	}
	return tournaments, rows.Err()
}

// --- Wallets ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO wallets (user_id, tournament_id, balance)
		 VALUES ($1, $2, $3::NUMERIC)
		 RETURNING id`,
		w.UserID, w.TournamentID, w.Balance.String(),
	).Scan(&w.ID)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error) {
	return s.getWallet(ctx, userID, tournamentID, "")
}

func (s *PostgresStore) GetWalletForUpdate(ctx context.Context, userID, tournamentID int64) (*model.Wallet, error) {
	return s.getWallet(ctx, userID, tournamentID, " FOR UPDATE")
}

func (s *PostgresStore) getWallet(ctx context.Context, userID, tournamentID int64, lock string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string

	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, tournament_id, balance::TEXT
		 FROM wallets WHERE user_id = $1 AND tournament_id = $2`+lock,
		userID, tournamentID).
		Scan(&w.ID, &w.UserID, &w.TournamentID, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get wallet user=%d tournament=%d: %w", userID, tournamentID, err)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) UpdateWalletBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE id = $1`,
		walletID, balance.String())
	return err
}

func (s *PostgresStore) ListWallets(ctx context.Context, tournamentID int64) ([]model.Wallet, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, tournament_id, balance::TEXT
		 FROM wallets WHERE tournament_id = $1 ORDER BY id`, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		var balance string
		if err := rows.Scan(&w.ID, &w.UserID, &w.TournamentID, &balance); err != nil {
			return nil, err
		}
		w.Balance, _ = decimal.NewFromString(balance)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, tournamentID int64, symbol string) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, tournament_id, symbol, quantity::TEXT, average_price::TEXT
		 FROM positions WHERE user_id = $1 AND tournament_id = $2 AND symbol = $3`,
		userID, tournamentID, symbol).
		Scan(&p.ID, &p.UserID, &p.TournamentID, &p.Symbol, &qty, &avg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position user=%d symbol=%s: %w", userID, symbol, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO positions (user_id, tournament_id, symbol, quantity, average_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (user_id, tournament_id, symbol)
		 DO UPDATE SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price
		 RETURNING id`,
		p.UserID, p.TournamentID, p.Symbol,
		p.Quantity.String(), p.AveragePrice.String(),
	).Scan(&p.ID)
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID, tournamentID int64) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, tournament_id, symbol, quantity::TEXT, average_price::TEXT
		 FROM positions WHERE user_id = $1 AND tournament_id = $2 ORDER BY symbol`,
		userID, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.ID, &p.UserID, &p.TournamentID, &p.Symbol, &qty, &avg); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AveragePrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Immutable trade ledger ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO trades (user_id, tournament_id, symbol, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING id`,
		t.UserID, t.TournamentID, t.Symbol, t.Side,
		t.Quantity.String(), t.Price.String(), t.Timestamp,
	).Scan(&t.ID)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID, tournamentID int64) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, tournament_id, symbol, side, quantity::TEXT, price::TEXT, timestamp
		 FROM trades WHERE user_id = $1 AND tournament_id = $2 ORDER BY timestamp DESC`,
		userID, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price string
		if err := rows.Scan(&t.ID, &t.UserID, &t.TournamentID, &t.Symbol, &t.Side,
			&qty, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Demo mode ---

func (s *PostgresStore) CreateDemoWallet(ctx context.Context, w *model.DemoWallet) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO demo_wallets (user_id, balance, currency, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $4)
		 RETURNING id`,
		w.UserID, w.Balance.String(), w.Currency, w.CreatedAt,
	).Scan(&w.ID)
}

func (s *PostgresStore) GetDemoWallet(ctx context.Context, userID int64) (*model.DemoWallet, error) {
	return s.getDemoWallet(ctx, userID, "")
}

func (s *PostgresStore) GetDemoWalletForUpdate(ctx context.Context, userID int64) (*model.DemoWallet, error) {
	return s.getDemoWallet(ctx, userID, " FOR UPDATE")
}

func (s *PostgresStore) getDemoWallet(ctx context.Context, userID int64, lock string) (*model.DemoWallet, error) {
	var w model.DemoWallet
	var balance string

	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, balance::TEXT, currency, created_at, updated_at
		 FROM demo_wallets WHERE user_id = $1`+lock, userID).
		Scan(&w.ID, &w.UserID, &balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get demo wallet user=%d: %w", userID, err)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) UpdateDemoWalletBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`UPDATE demo_wallets SET balance = $2::NUMERIC, updated_at = NOW() WHERE id = $1`,
		walletID, balance.String())
	return err
}

func (s *PostgresStore) InsertDemoOrder(ctx context.Context, o *model.DemoOrder) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO demo_orders (user_id, symbol, side, size, entry_price, current_price,
		                          stop_loss, take_profit, pnl, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 RETURNING id`,
		o.UserID, o.Symbol, o.Side,
		o.Size.String(), o.EntryPrice.String(), o.CurrentPrice.String(),
		decimalPtrString(o.StopLoss), decimalPtrString(o.TakeProfit),
		o.PnL.String(), o.Status, o.CreatedAt,
	).Scan(&o.ID)
}

func (s *PostgresStore) GetDemoOrder(ctx context.Context, orderID, userID int64) (*model.DemoOrder, error) {
	row := s.db.QueryRow(ctx,
		demoOrderSelect+` WHERE id = $1 AND user_id = $2`, orderID, userID)
	o, err := scanDemoOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get demo order %d: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenDemoOrders(ctx context.Context, symbol string) ([]model.DemoOrder, error) {
	rows, err := s.db.Query(ctx,
		demoOrderSelect+` WHERE symbol = $1 AND status = 'OPEN' ORDER BY id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDemoOrders(rows)
}

func (s *PostgresStore) ListDemoOrders(ctx context.Context, userID int64, status string) ([]model.DemoOrder, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(ctx,
			demoOrderSelect+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	} else {
		rows, err = s.db.Query(ctx,
			demoOrderSelect+` WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC`,
			userID, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDemoOrders(rows)
}

func (s *PostgresStore) UpdateDemoOrderMark(ctx context.Context, orderID int64, currentPrice, pnl decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`UPDATE demo_orders SET current_price = $2::NUMERIC, pnl = $3::NUMERIC
		 WHERE id = $1 AND status = 'OPEN'`,
		orderID, currentPrice.String(), pnl.String())
	return err
}

// CloseDemoOrder transitions an order to a terminal status. The
// status = 'OPEN' predicate makes the check-and-transition atomic: of two
// racing closers only one update matches the row.
func (s *PostgresStore) CloseDemoOrder(ctx context.Context, orderID int64, status string, closePrice, pnl decimal.Decimal, closedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE demo_orders
		 SET status = $2, close_price = $3::NUMERIC, current_price = $3::NUMERIC,
		     pnl = $4::NUMERIC, closed_at = $5
		 WHERE id = $1 AND status = 'OPEN'`,
		orderID, status, closePrice.String(), pnl.String(), closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) GetUsername(ctx context.Context, userID int64) (string, error) {
	var username string
	err := s.db.QueryRow(ctx,
		`SELECT username FROM users WHERE id = $1`, userID).Scan(&username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get username %d: %w", userID, err)
	}
	return username, nil
}

// --- Scan helpers ---

const demoOrderSelect = `SELECT id, user_id, symbol, side,
       size::TEXT, entry_price::TEXT, current_price::TEXT,
       stop_loss::TEXT, take_profit::TEXT, pnl::TEXT,
       status, close_price::TEXT, created_at, closed_at
  FROM demo_orders`

func scanDemoOrder(row pgx.Row) (*model.DemoOrder, error) {
	var o model.DemoOrder
	var size, entry, current, pnl string
	var stopLoss, takeProfit, closePrice *string

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side,
		&size, &entry, &current,
		&stopLoss, &takeProfit, &pnl,
		&o.Status, &closePrice, &o.CreatedAt, &o.ClosedAt); err != nil {
		return nil, err
	}

	o.Size, _ = decimal.NewFromString(size)
	o.EntryPrice, _ = decimal.NewFromString(entry)
	o.CurrentPrice, _ = decimal.NewFromString(current)
	o.PnL, _ = decimal.NewFromString(pnl)
	o.StopLoss = decimalFromPtr(stopLoss)
	o.TakeProfit = decimalFromPtr(takeProfit)
	o.ClosePrice = decimalFromPtr(closePrice)
	return &o, nil
}

func scanDemoOrders(rows pgx.Rows) ([]model.DemoOrder, error) {
	var orders []model.DemoOrder
	for rows.Next() {
		o, err := scanDemoOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalFromPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
