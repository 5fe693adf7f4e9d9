package db

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotmatch/internal/models"
)

// storeTests run against every Store implementation. newStore returns an
// empty store whose id sequences start at 1.
var storeTests = []struct {
	name string
	run  func(t *testing.T, s Store)
}{
	{"Users", testUsers},
	{"Rollback", testRollback},
	{"Assets", testAssets},
	{"CounterPriority", testCounterPriority},
	{"Orders", testOrders},
	{"Trades", testTrades},
	{"ConcurrentCancel", testConcurrentCancel},
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	for _, tt := range storeTests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newStore(t))
		})
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustUser(t *testing.T, s Store, name, balance string) int64 {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, name, "hash")
	require.NoError(t, err)
	require.NoError(t, FundAccount(ctx, s, u.ID, dec(balance), nil))
	return u.ID
}

func mustOrder(t *testing.T, s Store, o models.Order) *models.Order {
	t.Helper()
	if o.Status == "" {
		o.Status = models.StatusOpen
	}
	var created *models.Order
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		created, err = tx.CreateOrder(context.Background(), &o)
		return err
	}))
	return created
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.Balance.IsZero())

	_, err = s.CreateUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUser(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "100")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, alice)
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Sub(dec("40"))
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}

		// Writes are visible inside the unit
		again, err := tx.LockUser(ctx, alice)
		if err != nil {
			return err
		}
		if !again.Balance.Equal(dec("60")) {
			return errors.New("staged balance not visible")
		}

		if _, err := tx.CreateOrder(ctx, &models.Order{
			UserID: alice, Symbol: "BTC", Side: models.SideBuy,
			Price: dec("10"), Amount: dec("4"), Status: models.StatusOpen,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := s.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("100")), u.Balance.String())

	orders, err := s.GetUserOrders(ctx, alice, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func testAssets(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "0")

	require.NoError(t, FundAccount(ctx, s, alice, decimal.Zero, map[string]decimal.Decimal{
		"ETH": dec("10"),
		"BTC": dec("1.5"),
	}))
	require.NoError(t, FundAccount(ctx, s, alice, decimal.Zero, map[string]decimal.Decimal{"BTC": dec("0.5")}))

	assets, err := s.GetUserAssets(ctx, alice)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "BTC", assets[0].Symbol, "sorted by symbol")
	assert.True(t, assets[0].Amount.Equal(dec("2")), assets[0].Amount.String())
	assert.True(t, assets[0].LockedAmount.IsZero())
	assert.Equal(t, "ETH", assets[1].Symbol)

	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockAsset(ctx, alice, "DOGE")
		assert.ErrorIs(t, err, ErrNotFound)

		a, err := tx.LockOrCreateAsset(ctx, alice, "DOGE")
		if err != nil {
			return err
		}
		assert.True(t, a.Amount.IsZero())
		a.LockedAmount = dec("0.00000001")
		return tx.SaveAsset(ctx, a)
	})
	require.NoError(t, err)

	assets, err = s.GetUserAssets(ctx, alice)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assert.Equal(t, "DOGE", assets[1].Symbol)
	assert.True(t, assets[1].LockedAmount.Equal(dec("0.00000001")))

	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockOrCreateAsset(ctx, 999, "BTC")
		return err
	})
	assert.Error(t, err, "holdings need an existing user")
}

func testCounterPriority(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "0")
	bob := mustUser(t, s, "bob", "0")

	sell := func(user int64, symbol, price string, status models.OrderStatus) *models.Order {
		return mustOrder(t, s, models.Order{UserID: user, Symbol: symbol, Side: models.SideSell, Price: dec(price), Amount: dec("1"), Status: status})
	}
	sell(alice, "BTC", "101", models.StatusOpen)
	first := sell(bob, "BTC", "100", models.StatusOpen)
	sell(alice, "BTC", "100", models.StatusOpen)
	sell(alice, "BTC", "99", models.StatusCancelled)
	sell(alice, "ETH", "1", models.StatusOpen)
	bid := mustOrder(t, s, models.Order{UserID: alice, Symbol: "BTC", Side: models.SideBuy, Price: dec("98"), Amount: dec("1")})

	tests := []struct {
		name    string
		order   models.Order
		wantID  int64
		noMatch bool
	}{
		{
			name:   "lowest ask then earliest",
			order:  models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("100")},
			wantID: first.ID,
		},
		{
			name:    "nothing at or below the bid",
			order:   models.Order{Symbol: "BTC", Side: models.SideBuy, Price: dec("99.99")},
			noMatch: true,
		},
		{
			name:   "highest bid for a sell",
			order:  models.Order{Symbol: "BTC", Side: models.SideSell, Price: dec("97")},
			wantID: bid.ID,
		},
		{
			name:    "sell above every bid",
			order:   models.Order{Symbol: "BTC", Side: models.SideSell, Price: dec("98.01")},
			noMatch: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WithTx(ctx, func(tx Tx) error {
				got, err := tx.FindCounterOrder(ctx, &tt.order)
				if tt.noMatch {
					assert.ErrorIs(t, err, ErrNotFound)
					return nil
				}
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, got.ID)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func testOrders(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "0")
	bob := mustUser(t, s, "bob", "0")

	var ids []int64
	for _, price := range []string{"10", "30", "20"} {
		o := mustOrder(t, s, models.Order{UserID: alice, Symbol: "BTC", Side: models.SideBuy, Price: dec(price), Amount: dec("0.5")})
		ids = append(ids, o.ID)
	}
	mustOrder(t, s, models.Order{UserID: bob, Symbol: "ETH", Side: models.SideSell, Price: dec("5"), Amount: dec("1")})

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateOrderStatus(ctx, ids[1], models.StatusCancelled)
	}))
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateOrderStatus(ctx, 999, models.StatusFilled)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	o, err := s.GetOrder(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.True(t, o.Price.Equal(dec("30")))
	_, err = s.GetOrder(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	open, err := s.GetOpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.True(t, open[0].Price.Equal(dec("20")), "price descending")
	assert.True(t, open[1].Price.Equal(dec("10")))
	assert.Equal(t, "ETH", open[2].Symbol)

	open, err = s.GetOpenOrders(ctx, "ETH")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	tests := []struct {
		limit, offset int
		want          []int64
	}{
		{2, 0, []int64{ids[2], ids[1]}},
		{2, 2, []int64{ids[0]}},
		{2, 4, nil},
		{2, -5, nil},
	}
	for _, tt := range tests {
		orders, err := s.GetUserOrders(ctx, alice, tt.limit, tt.offset)
		require.NoError(t, err)
		var got []int64
		for _, o := range orders {
			got = append(got, o.ID)
		}
		assert.Equal(t, tt.want, got, "limit %d offset %d", tt.limit, tt.offset)
	}
}

func testTrades(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "0")
	bob := mustUser(t, s, "bob", "0")
	carol := mustUser(t, s, "carol", "0")

	_, ok, err := s.LastTradePrice(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	buy := mustOrder(t, s, models.Order{UserID: alice, Symbol: "BTC", Side: models.SideBuy, Price: dec("100"), Amount: dec("1")})
	sell := mustOrder(t, s, models.Order{UserID: bob, Symbol: "BTC", Side: models.SideSell, Price: dec("99.5"), Amount: dec("1")})

	trade := &models.Trade{
		BuyOrderID: buy.ID, SellOrderID: sell.ID, Symbol: "BTC",
		Price: dec("99.5"), Amount: dec("1"), Commission: dec("1.49"),
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		created, err := tx.CreateTrade(ctx, trade)
		if err != nil {
			return err
		}
		assert.NotZero(t, created.ID)
		return nil
	}))

	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.CreateTrade(ctx, trade)
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicate, "one trade per order pair")

	for _, user := range []int64{alice, bob} {
		trades, err := s.GetUserTrades(ctx, user)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.True(t, trades[0].Commission.Equal(dec("1.49")))
	}
	trades, err := s.GetUserTrades(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, trades)

	price, ok, err := s.LastTradePrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, price.Equal(dec("99.5")), price.String())
}

func testConcurrentCancel(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice", "0")
	order := mustOrder(t, s, models.Order{UserID: alice, Symbol: "BTC", Side: models.SideBuy, Price: dec("50000"), Amount: dec("0.1")})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				o, err := tx.LockOrder(ctx, order.ID)
				if err != nil {
					return err
				}
				if !o.IsOpen() {
					return errors.New("not open")
				}
				return tx.UpdateOrderStatus(ctx, o.ID, models.StatusCancelled)
			})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "the row lock admits exactly one cancellation")
	o, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
}
