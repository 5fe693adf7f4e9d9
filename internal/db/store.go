package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the transactional account store shared by request handlers and
// match workers. Reads outside WithTx see committed state and take no locks.
type Store interface {
	// WithTx runs fn as one atomic unit. Row locks taken through tx are
	// released when fn returns; any error rolls every change back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// GetOpenOrders lists open orders by price descending then created_at
	// ascending. An empty symbol lists every symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	// GetUserOrders lists a user's orders newest first.
	GetUserOrders(ctx context.Context, userID int64, limit, offset int) ([]models.Order, error)

	GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)
	// LastTradePrice returns the price of the most recent trade in symbol.
	LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Tx exposes the row-locking operations available inside an atomic unit.
// Every Lock* call holds the row exclusively until the unit ends.
type Tx interface {
	LockUser(ctx context.Context, id int64) (*models.User, error)
	// LockAsset returns ErrNotFound when the user never held symbol.
	LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error)
	// LockOrCreateAsset creates an empty holding first when none exists.
	LockOrCreateAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)

	// FindCounterOrder returns, without locking it, the best open order that
	// crosses o: lowest ask for a buy, highest bid for a sell, earliest
	// created_at on equal price. ErrNotFound when nothing crosses.
	FindCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error)

	SaveUser(ctx context.Context, u *models.User) error
	SaveAsset(ctx context.Context, a *models.Asset) error
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
	CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error)
}

// IsRetryable reports whether err is a lock conflict the store resolved by
// aborting the transaction, so the whole unit may be run again.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001": // deadlock_detected, serialization_failure
			return true
		}
	}
	return false
}

// FundAccount credits balance and asset holdings to a user in one atomic
// unit. Used by the seed command and tests to put money into the system.
func FundAccount(ctx context.Context, s Store, userID int64, balance decimal.Decimal, holdings map[string]decimal.Decimal) error {
	return s.WithTx(ctx, func(tx Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !balance.IsZero() {
			user.Balance = user.Balance.Add(balance)
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
		}
		for symbol, amount := range holdings {
			asset, err := tx.LockOrCreateAsset(ctx, userID, symbol)
			if err != nil {
				return err
			}
			asset.Amount = asset.Amount.Add(amount)
			if err := tx.SaveAsset(ctx, asset); err != nil {
				return err
			}
		}
		return nil
	})
}
