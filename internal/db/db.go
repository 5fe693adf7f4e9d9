package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/models"
)

const (
	userColumns  = "id, username, password_hash, balance::text, created_at"
	assetColumns = "id, user_id, symbol, amount::text, locked_amount::text, updated_at"
	orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, created_at"
	tradeColumns = "t.id, t.buy_order_id, t.sell_order_id, t.symbol, t.price::text, t.amount::text, t.commission::text, t.executed_at"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies a schema script; it is idempotent for scripts written with
// IF NOT EXISTS.
func (db *DB) Migrate(ctx context.Context, script string) error {
	if _, err := db.Pool.Exec(ctx, script); err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction and commits when it returns nil
func (db *DB) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING "+userColumns,
		username, passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("failed to create user: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", notFound(err))
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", notFound(err))
	}
	return user, nil
}

// GetUserAssets retrieves all holdings of a user
func (db *DB) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

// GetOrder retrieves an order without locking it
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", notFound(err))
	}
	return order, nil
}

// GetOpenOrders retrieves open orders, optionally for one symbol
func (db *DB) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'open' AND ($1 = '' OR symbol = $1)
		ORDER BY price DESC, created_at ASC, id ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return collectOrders(rows)
}

// GetUserOrders retrieves a page of a user's orders, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int64, limit, offset int) ([]models.Order, error) {
	if offset < 0 {
		return nil, nil
	}
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// GetUserTrades retrieves all trades a user took part in
func (db *DB) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades t "+
			"WHERE EXISTS (SELECT 1 FROM orders o WHERE o.user_id = $1 AND o.id IN (t.buy_order_id, t.sell_order_id)) "+
			"ORDER BY t.executed_at DESC, t.id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// LastTradePrice retrieves the price of the latest trade in symbol
func (db *DB) LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	var price string
	err := db.Pool.QueryRow(ctx,
		"SELECT price::text FROM trades WHERE symbol = $1 ORDER BY executed_at DESC, id DESC LIMIT 1",
		symbol).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to get last trade price: %w", err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse trade price: %w", err)
	}
	return p, true, nil
}

// pgTx implements Tx with SELECT ... FOR UPDATE row locks
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user %d: %w", id, notFound(err))
	}
	return user, nil
}

func (t *pgTx) LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	asset, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset %s of user %d: %w", symbol, userID, notFound(err))
	}
	return asset, nil
}

func (t *pgTx) LockOrCreateAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol) VALUES ($1, $2) ON CONFLICT (user_id, symbol) DO NOTHING",
		userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset %s of user %d: %w", symbol, userID, err)
	}
	return t.LockAsset(ctx, userID, symbol)
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %d: %w", id, notFound(err))
	}
	return order, nil
}

func (t *pgTx) FindCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'open' AND symbol = $1 AND side = $2 AND price <= $3::numeric
		ORDER BY price ASC, created_at ASC, id ASC
		LIMIT 1`
	if o.Side == models.SideSell {
		query = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'open' AND symbol = $1 AND side = $2 AND price >= $3::numeric
		ORDER BY price DESC, created_at ASC, id ASC
		LIMIT 1`
	}

	counter, err := scanOrder(t.tx.QueryRow(ctx, query, o.Symbol, string(o.Side.Opposite()), o.Price.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to find counter order: %w", notFound(err))
	}
	return counter, nil
}

func (t *pgTx) SaveUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.Exec(ctx, "UPDATE users SET balance = $1::numeric WHERE id = $2", u.Balance.String(), u.ID)
	if err != nil {
		return fmt.Errorf("failed to save user %d: %w", u.ID, err)
	}
	return nil
}

func (t *pgTx) SaveAsset(ctx context.Context, a *models.Asset) error {
	err := t.tx.QueryRow(ctx,
		"UPDATE assets SET amount = $1::numeric, locked_amount = $2::numeric, updated_at = NOW() WHERE id = $3 RETURNING updated_at",
		a.Amount.String(), a.LockedAmount.String(), a.ID).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save asset %d: %w", a.ID, notFound(err))
	}
	return nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, side, price, amount, status) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6) RETURNING "+orderColumns,
		o.UserID, o.Symbol, string(o.Side), o.Price.String(), o.Amount.String(), string(o.Status)))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update order %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	trade, err := scanTrade(t.tx.QueryRow(ctx, `
		WITH t AS (
			INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, amount, commission)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)
			RETURNING *
		)
		SELECT `+tradeColumns+` FROM t`,
		tr.BuyOrderID, tr.SellOrderID, tr.Symbol, tr.Price.String(), tr.Amount.String(), tr.Commission.String()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("failed to create trade: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return trade, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &balance, &u.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &u, nil
}

func scanAsset(row scanner) (*models.Asset, error) {
	var a models.Asset
	var amount, locked string
	if err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &amount, &locked, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse asset amount: %w", err)
	}
	if a.LockedAmount, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("parse locked amount: %w", err)
	}
	return &a, nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var side, status, price, amount string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &price, &amount, &status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse order amount: %w", err)
	}
	return &o, nil
}

func scanTrade(row scanner) (*models.Trade, error) {
	var t models.Trade
	var price, amount, commission string
	if err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Symbol, &price, &amount, &commission, &t.ExecutedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse trade price: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse trade amount: %w", err)
	}
	if t.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("parse commission: %w", err)
	}
	return &t, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
