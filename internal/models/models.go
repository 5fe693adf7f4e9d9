package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Scales of the stored decimal columns
const (
	PriceScale      int32 = 2
	AmountScale     int32 = 8
	CommissionScale int32 = 2
)

// User represents a registered user and their currency balance
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol
type Asset struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`        // Free, spendable quantity
	LockedAmount decimal.Decimal `json:"locked_amount"` // Reserved by open sell orders
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Available returns the quantity that can back a new sell order
func (a *Asset) Available() decimal.Decimal {
	return a.Amount
}

// Snapshot returns the public view of the asset
func (a *Asset) Snapshot() *AssetSnapshot {
	if a == nil {
		return nil
	}
	return &AssetSnapshot{
		Symbol:       a.Symbol,
		Amount:       a.Amount,
		LockedAmount: a.LockedAmount,
		Available:    a.Available(),
	}
}

// Order represents a buy or sell limit order
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`  // Currency per unit
	Amount    decimal.Decimal `json:"amount"` // Quantity of Symbol
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

// IsOpen reports whether the order still holds a lock
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Reserved returns what the order holds while open: currency for a buy,
// units of Symbol for a sell.
func (o *Order) Reserved() decimal.Decimal {
	if o.Side == SideBuy {
		return o.Price.Mul(o.Amount)
	}
	return o.Amount
}

// Trade represents an executed match between a buy and a sell order
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Commission  decimal.Decimal `json:"commission"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// AssetSnapshot is a point-in-time view of an asset holding
type AssetSnapshot struct {
	Symbol       string          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
	Available    decimal.Decimal `json:"available"`
}

// PartySnapshot is one side of a trade after settlement
type PartySnapshot struct {
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Asset   *AssetSnapshot  `json:"asset"`
}
