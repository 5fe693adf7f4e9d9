package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/events"
	"github.com/xtrntr/spotmatch/internal/ledger"
	"github.com/xtrntr/spotmatch/internal/models"
	"go.uber.org/zap"
)

// OrdersPerPage is the page size of UserOrders
const OrdersPerPage = 5

// maxPage is the last page whose offset fits in an int
const maxPage = math.MaxInt/OrdersPerPage + 1

var (
	minPrice  = decimal.New(1, -models.PriceScale)
	minAmount = decimal.New(1, -models.AmountScale)
)

// PlaceOrderRequest is a new limit order
type PlaceOrderRequest struct {
	UserID int64
	Symbol string
	Side   models.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (e *Exchange) validate(req PlaceOrderRequest) error {
	if _, ok := e.symbolSet[req.Symbol]; !ok {
		return invalid("symbol", "symbol must be one of %v", e.symbols)
	}
	if !req.Side.Valid() {
		return invalid("side", "side must be buy or sell")
	}
	if req.Price.LessThan(minPrice) {
		return invalid("price", "price must be at least %s", minPrice)
	}
	if !req.Price.Equal(req.Price.Truncate(models.PriceScale)) {
		return invalid("price", "price must have at most %d decimal places", models.PriceScale)
	}
	if req.Amount.LessThan(minAmount) {
		return invalid("amount", "amount must be at least %s", minAmount.StringFixed(models.AmountScale))
	}
	if !req.Amount.Equal(req.Amount.Truncate(models.AmountScale)) {
		return invalid("amount", "amount must have at most %d decimal places", models.AmountScale)
	}
	return nil
}

// PlaceOrder reserves funds for a buy, or units of the symbol for a sell,
// and records the order as open. A match attempt is scheduled once the order
// is committed.
func (e *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := e.validate(req); err != nil {
		e.metrics.OrderRejected("invalid")
		return nil, err
	}

	var order *models.Order
	err := e.atomically(ctx, "place", func(tx db.Tx) error {
		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return err
		}

		switch req.Side {
		case models.SideBuy:
			if err := ledger.ReserveBalance(user, req.Price.Mul(req.Amount)); err != nil {
				return err
			}
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
		case models.SideSell:
			asset, err := tx.LockAsset(ctx, user.ID, req.Symbol)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if err := ledger.LockAsset(asset, req.Amount); err != nil {
				return err
			}
			if err := tx.SaveAsset(ctx, asset); err != nil {
				return err
			}
		}

		order, err = tx.CreateOrder(ctx, &models.Order{
			UserID: user.ID,
			Symbol: req.Symbol,
			Side:   req.Side,
			Price:  req.Price,
			Amount: req.Amount,
			Status: models.StatusOpen,
		})
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			e.metrics.OrderRejected("insufficient_balance")
		case errors.Is(err, ErrInsufficientAsset):
			e.metrics.OrderRejected("insufficient_asset")
		default:
			e.metrics.OrderRejected("error")
		}
		return nil, fmt.Errorf("place order: %w", err)
	}

	e.metrics.OrderPlaced(order.Symbol, string(order.Side))
	e.logger.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("amount", order.Amount.String()))

	// The order stands even if the attempt is lost; ResumeOpenOrders
	// picks it up on the next start.
	_ = e.schedule(ctx, order.ID)
	return order, nil
}

// CancelOrder reverses the reservation of an open order owned by requester
func (e *Exchange) CancelOrder(ctx context.Context, orderID, requesterID int64) (*models.Order, error) {
	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if err := e.authz.CanCancel(ctx, requesterID, current); err != nil {
		return nil, err
	}

	var cancelled *models.Order
	err = e.atomically(ctx, "cancel", func(tx db.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsOpen() {
			return ErrInvalidState
		}

		user, err := tx.LockUser(ctx, order.UserID)
		if err != nil {
			return err
		}
		switch order.Side {
		case models.SideBuy:
			ledger.ReleaseBalance(user, order.Reserved())
			if err := tx.SaveUser(ctx, user); err != nil {
				return err
			}
		case models.SideSell:
			asset, err := tx.LockAsset(ctx, user.ID, order.Symbol)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if err := ledger.UnlockAsset(asset, order.Reserved()); err != nil {
				return err
			}
			if err := tx.SaveAsset(ctx, asset); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderStatus(ctx, order.ID, models.StatusCancelled); err != nil {
			return err
		}
		order.Status = models.StatusCancelled
		cancelled = order
		return nil
	})
	if err != nil {
		if ledger.IsConsistencyFault(err) {
			e.reportFault("cancel", err, zap.Int64("order_id", orderID))
		}
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	e.metrics.OrderCancelled(cancelled.Symbol)
	e.logger.Info("order cancelled",
		zap.Int64("order_id", cancelled.ID),
		zap.Int64("user_id", cancelled.UserID))
	e.publish(ctx, events.NewOrderCancelled(cancelled))
	return cancelled, nil
}

// OpenOrders lists open orders by price descending then age. An empty symbol
// lists every symbol.
func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if symbol != "" {
		if _, ok := e.symbolSet[symbol]; !ok {
			return nil, invalid("symbol", "symbol must be one of %v", e.symbols)
		}
	}
	return e.store.GetOpenOrders(ctx, symbol)
}

// OrderPage is one page of a user's orders, newest first
type OrderPage struct {
	Orders  []models.Order `json:"data"`
	Page    int            `json:"current_page"`
	PerPage int            `json:"per_page"`
	HasMore bool           `json:"has_more"`
}

// UserOrders returns page (1-based) of the user's orders
func (e *Exchange) UserOrders(ctx context.Context, userID int64, page int) (*OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		return &OrderPage{Orders: []models.Order{}, Page: page, PerPage: OrdersPerPage}, nil
	}
	orders, err := e.store.GetUserOrders(ctx, userID, OrdersPerPage+1, (page-1)*OrdersPerPage)
	if err != nil {
		return nil, err
	}
	p := &OrderPage{Orders: orders, Page: page, PerPage: OrdersPerPage}
	if len(orders) > OrdersPerPage {
		p.Orders = orders[:OrdersPerPage]
		p.HasMore = true
	}
	if p.Orders == nil {
		p.Orders = []models.Order{}
	}
	return p, nil
}

// UserTrades lists trades where the user bought or sold
func (e *Exchange) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	return e.store.GetUserTrades(ctx, userID)
}

// Profile is a user's balance, holdings and the last traded prices
type Profile struct {
	UserID       int64                       `json:"user_id"`
	Username     string                      `json:"username"`
	Balance      decimal.Decimal             `json:"balance"`
	Assets       []models.AssetSnapshot      `json:"assets"`
	MarketPrices map[string]*decimal.Decimal `json:"market_prices"`
}

func (e *Exchange) Profile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	assets, err := e.store.GetUserAssets(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		UserID:       user.ID,
		Username:     user.Username,
		Balance:      user.Balance,
		Assets:       make([]models.AssetSnapshot, 0, len(assets)),
		MarketPrices: make(map[string]*decimal.Decimal, len(e.symbols)),
	}
	for i := range assets {
		p.Assets = append(p.Assets, *assets[i].Snapshot())
	}
	for _, symbol := range e.symbols {
		price, ok, err := e.store.LastTradePrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			p.MarketPrices[symbol] = &price
		} else {
			p.MarketPrices[symbol] = nil
		}
	}
	return p, nil
}

// ResumeOpenOrders schedules a match attempt for every open order. Run at
// startup so orders whose attempt was lost get matched.
func (e *Exchange) ResumeOpenOrders(ctx context.Context) (int, error) {
	orders, err := e.store.GetOpenOrders(ctx, "")
	if err != nil {
		return 0, err
	}

	var scheduled int
	var firstErr error
	for _, o := range orders {
		if err := e.schedule(ctx, o.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		scheduled++
	}
	if firstErr != nil {
		return scheduled, fmt.Errorf("%d of %d match attempts not scheduled: %w", len(orders)-scheduled, len(orders), firstErr)
	}
	return scheduled, nil
}
