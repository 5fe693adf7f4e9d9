package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/events"
	"github.com/xtrntr/spotmatch/internal/ledger"
	"github.com/xtrntr/spotmatch/internal/models"
	"go.uber.org/zap"
)

// No-match reasons, used as metric labels
const (
	reasonMissing      = "missing"
	reasonNotOpen      = "not_open"
	reasonNoCounter    = "no_counter"
	reasonCounterTaken = "counter_taken"
	reasonFault        = "consistency_fault"
)

// AttemptMatch tries to fill orderID against the best crossing open order.
// It returns the trade, or nil when nothing was matched. Repeated or
// concurrent calls for the same order settle at most one trade. A non-nil
// error is an infrastructure failure.
func (e *Exchange) AttemptMatch(ctx context.Context, orderID int64) (*models.Trade, error) {
	start := time.Now()

	order, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		e.metrics.NoMatch(reasonMissing)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match order %d: %w", orderID, err)
	}
	if !order.IsOpen() {
		e.metrics.NoMatch(reasonNotOpen)
		return nil, nil
	}

	var (
		result *settlement
		reason string
	)
	err = e.atomically(ctx, "match", func(tx db.Tx) error {
		result, reason = nil, ""

		counter, err := tx.FindCounterOrder(ctx, order)
		if errors.Is(err, db.ErrNotFound) {
			reason = reasonNoCounter
			return nil
		}
		if err != nil {
			return err
		}

		// Orders are always locked lowest id first
		first, second := order.ID, counter.ID
		if second < first {
			first, second = second, first
		}
		a, err := tx.LockOrder(ctx, first)
		if err != nil {
			return err
		}
		b, err := tx.LockOrder(ctx, second)
		if err != nil {
			return err
		}

		incoming, resting := a, b
		if b.ID == order.ID {
			incoming, resting = b, a
		}
		if !incoming.IsOpen() {
			reason = reasonNotOpen
			return nil
		}
		if !resting.IsOpen() {
			reason = reasonCounterTaken
			return nil
		}

		result, err = e.settle(ctx, tx, incoming, resting)
		return err
	})
	if err != nil {
		if ledger.IsConsistencyFault(err) {
			e.reportFault("match", err,
				zap.Int64("order_id", order.ID),
				zap.String("symbol", order.Symbol))
			e.metrics.NoMatch(reasonFault)
			return nil, nil
		}
		return nil, fmt.Errorf("match order %d: %w", orderID, err)
	}

	if result == nil {
		e.metrics.NoMatch(reason)
		if reason == reasonCounterTaken {
			// Another attempt filled the counter first; look for the next one.
			_ = e.schedule(ctx, order.ID)
		}
		return nil, nil
	}

	trade := result.trade
	e.metrics.Matched(trade.Symbol, time.Since(start))
	e.logger.Info("orders matched",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("buy_order_id", trade.BuyOrderID),
		zap.Int64("sell_order_id", trade.SellOrderID),
		zap.String("symbol", trade.Symbol),
		zap.String("price", trade.Price.String()),
		zap.String("amount", trade.Amount.String()),
		zap.String("commission", trade.Commission.String()))
	e.publish(ctx, events.NewOrderMatched(*trade, result.buyer, result.seller))
	return trade, nil
}
