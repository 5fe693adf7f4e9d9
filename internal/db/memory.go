package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/models"
)

type assetKey struct {
	userID int64
	symbol string
}

// Memory is an in-process Store. Atomic units are serialized by one
// store-wide lock, so every row touched by a unit is held exclusively until
// it commits or rolls back. Changes are staged and applied on commit.
type Memory struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	users     map[int64]models.User
	usernames map[string]int64
	assets    map[assetKey]models.Asset
	orders    map[int64]models.Order
	trades    []models.Trade
	seq       struct{ user, asset, order, trade int64 }
	lastStamp time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[int64]models.User),
		usernames: make(map[string]int64),
		assets:    make(map[assetKey]models.Asset),
		orders:    make(map[int64]models.Order),
	}
}

// WithTx runs fn as one atomic unit
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		m:      m,
		users:  make(map[int64]models.User),
		assets: make(map[assetKey]models.Asset),
		orders: make(map[int64]models.Order),
	}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range tx.users {
		m.users[id] = u
	}
	for k, a := range tx.assets {
		m.assets[k] = a
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	m.trades = append(m.trades, tx.trades...)
	return nil
}

// CreateUser inserts a new user
func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usernames[username]; ok {
		return nil, fmt.Errorf("failed to create user: %w", ErrDuplicate)
	}
	m.seq.user++
	u := models.User{
		ID:           m.seq.user,
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      decimal.Zero,
		CreatedAt:    m.stampLocked(),
	}
	m.users[u.ID] = u
	m.usernames[username] = u.ID
	return &u, nil
}

// GetUserByUsername retrieves a user by username
func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", ErrNotFound)
	}
	u := m.users[id]
	return &u, nil
}

// GetUser retrieves a user by id
func (m *Memory) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", ErrNotFound)
	}
	return &u, nil
}

// GetUserAssets retrieves all holdings of a user
func (m *Memory) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var assets []models.Asset
	for k, a := range m.assets {
		if k.userID == userID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

// GetOrder retrieves an order without locking it
func (m *Memory) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("failed to get order: %w", ErrNotFound)
	}
	return &o, nil
}

// GetOpenOrders retrieves open orders, optionally for one symbol
func (m *Memory) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var orders []models.Order
	for _, o := range m.orders {
		if o.IsOpen() && (symbol == "" || o.Symbol == symbol) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return earlier(orders[i], orders[j])
	})
	return orders, nil
}

// GetUserOrders retrieves a page of a user's orders, newest first
func (m *Memory) GetUserOrders(ctx context.Context, userID int64, limit, offset int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var orders []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return earlier(orders[j], orders[i]) })
	if offset < 0 || offset >= len(orders) {
		return nil, nil
	}
	orders = orders[offset:]
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	return orders, nil
}

// GetUserTrades retrieves all trades a user took part in, newest first
func (m *Memory) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var trades []models.Trade
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if m.orders[t.BuyOrderID].UserID == userID || m.orders[t.SellOrderID].UserID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// LastTradePrice retrieves the price of the latest trade in symbol
func (m *Memory) LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].Symbol == symbol {
			return m.trades[i].Price, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// stampLocked returns a strictly increasing timestamp so created_at alone
// orders rows the way insertion did. Callers hold m.mu.
func (m *Memory) stampLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = now
	return now
}

func earlier(a, b models.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// memTx stages writes until the unit commits
type memTx struct {
	m      *Memory
	users  map[int64]models.User
	assets map[assetKey]models.Asset
	orders map[int64]models.Order
	trades []models.Trade
}

func (t *memTx) user(id int64) (models.User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	u, ok := t.m.users[id]
	return u, ok
}

func (t *memTx) asset(k assetKey) (models.Asset, bool) {
	if a, ok := t.assets[k]; ok {
		return a, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	a, ok := t.m.assets[k]
	return a, ok
}

func (t *memTx) order(id int64) (models.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	o, ok := t.m.orders[id]
	return o, ok
}

func (t *memTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	u, ok := t.user(id)
	if !ok {
		return nil, fmt.Errorf("failed to lock user %d: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) LockAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	a, ok := t.asset(assetKey{userID, symbol})
	if !ok {
		return nil, fmt.Errorf("failed to lock asset %s of user %d: %w", symbol, userID, ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) LockOrCreateAsset(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	k := assetKey{userID, symbol}
	if a, ok := t.asset(k); ok {
		return &a, nil
	}
	if _, ok := t.user(userID); !ok {
		return nil, fmt.Errorf("failed to create asset %s of user %d: %w", symbol, userID, ErrNotFound)
	}

	t.m.mu.Lock()
	t.m.seq.asset++
	a := models.Asset{
		ID:           t.m.seq.asset,
		UserID:       userID,
		Symbol:       symbol,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
		UpdatedAt:    t.m.stampLocked(),
	}
	t.m.mu.Unlock()

	t.assets[k] = a
	return &a, nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, fmt.Errorf("failed to lock order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) FindCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	t.m.mu.RLock()
	candidates := make(map[int64]models.Order, len(t.m.orders))
	for id, c := range t.m.orders {
		candidates[id] = c
	}
	t.m.mu.RUnlock()
	for id, c := range t.orders {
		candidates[id] = c
	}

	want := o.Side.Opposite()
	var best *models.Order
	for _, c := range candidates {
		if !c.IsOpen() || c.Symbol != o.Symbol || c.Side != want {
			continue
		}
		if (o.Side == models.SideBuy && c.Price.GreaterThan(o.Price)) ||
			(o.Side == models.SideSell && c.Price.LessThan(o.Price)) {
			continue
		}
		if best == nil || better(c, *best) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("failed to find counter order: %w", ErrNotFound)
	}
	return best, nil
}

// better reports whether resting order a has priority over b
func better(a, b models.Order) bool {
	if !a.Price.Equal(b.Price) {
		if a.Side == models.SideSell {
			return a.Price.LessThan(b.Price)
		}
		return a.Price.GreaterThan(b.Price)
	}
	return earlier(a, b)
}

func (t *memTx) SaveUser(ctx context.Context, u *models.User) error {
	if _, ok := t.user(u.ID); !ok {
		return fmt.Errorf("failed to save user %d: %w", u.ID, ErrNotFound)
	}
	t.users[u.ID] = *u
	return nil
}

func (t *memTx) SaveAsset(ctx context.Context, a *models.Asset) error {
	k := assetKey{a.UserID, a.Symbol}
	if _, ok := t.asset(k); !ok {
		return fmt.Errorf("failed to save asset %d: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = time.Now().UTC()
	t.assets[k] = *a
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	if _, ok := t.user(o.UserID); !ok {
		return nil, fmt.Errorf("failed to create order: %w", ErrNotFound)
	}

	t.m.mu.Lock()
	t.m.seq.order++
	order := *o
	order.ID = t.m.seq.order
	order.CreatedAt = t.m.stampLocked()
	t.m.mu.Unlock()

	t.orders[order.ID] = order
	return &order, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	o, ok := t.order(id)
	if !ok {
		return fmt.Errorf("failed to update order %d: %w", id, ErrNotFound)
	}
	o.Status = status
	t.orders[id] = o
	return nil
}

func (t *memTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	t.m.mu.Lock()
	if hasPair(t.m.trades, tr) || hasPair(t.trades, tr) {
		t.m.mu.Unlock()
		return nil, fmt.Errorf("failed to create trade: %w", ErrDuplicate)
	}
	t.m.seq.trade++
	trade := *tr
	trade.ID = t.m.seq.trade
	trade.ExecutedAt = t.m.stampLocked()
	t.m.mu.Unlock()

	t.trades = append(t.trades, trade)
	return &trade, nil
}

func hasPair(trades []models.Trade, tr *models.Trade) bool {
	for _, t := range trades {
		if t.BuyOrderID == tr.BuyOrderID && t.SellOrderID == tr.SellOrderID {
			return true
		}
	}
	return false
}
