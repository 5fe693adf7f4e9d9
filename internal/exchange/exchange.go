// Package exchange places, cancels and matches limit orders against the
// account store. There is no in-memory book: every operation is an atomic
// unit over locked store rows, and the best counter order is found with a
// single priority query at match time.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/events"
	"github.com/xtrntr/spotmatch/internal/ledger"
	"github.com/xtrntr/spotmatch/internal/metrics"
	"github.com/xtrntr/spotmatch/internal/models"
	"github.com/xtrntr/spotmatch/internal/queue"
	"go.uber.org/zap"
)

// DefaultCommissionRate is charged on the volume of every trade
var DefaultCommissionRate = decimal.RequireFromString("0.015")

// DefaultSymbols are tradable when Config.Symbols is empty
var DefaultSymbols = []string{"BTC", "ETH"}

const defaultMaxRetries = 3

// Authorizer decides whether a user may cancel an order
type Authorizer interface {
	CanCancel(ctx context.Context, requesterID int64, o *models.Order) error
}

type Config struct {
	Symbols []string
	// CommissionRate must be in [0, 1). Nil means DefaultCommissionRate.
	CommissionRate *decimal.Decimal
	// MaxRetries bounds how often a unit aborted by a lock conflict is rerun
	MaxRetries int
}

// Deps are the collaborators of the exchange. Only Store is required.
type Deps struct {
	Store      db.Store
	Scheduler  queue.Scheduler
	Publisher  events.Publisher
	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Exchange manages order placement, cancellation and matching
type Exchange struct {
	store     db.Store
	scheduler queue.Scheduler
	publisher events.Publisher
	authz     Authorizer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	symbols    []string
	symbolSet  map[string]struct{}
	rate       decimal.Decimal
	maxRetries int
}

// NewExchange creates a new exchange
func NewExchange(cfg Config, deps Deps) *Exchange {
	e := &Exchange{
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		publisher:  deps.Publisher,
		authz:      deps.Authorizer,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		rate:       DefaultCommissionRate,
		maxRetries: cfg.MaxRetries,
	}
	if e.scheduler == nil {
		e.scheduler = noScheduler{}
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.authz == nil {
		e.authz = auth.OrderPolicy{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if r := cfg.CommissionRate; r != nil {
		if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			panic(fmt.Sprintf("exchange: commission rate %s is outside [0, 1)", r.String()))
		}
		e.rate = *r
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	e.symbolSet = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if _, dup := e.symbolSet[s]; dup {
			continue
		}
		e.symbolSet[s] = struct{}{}
		e.symbols = append(e.symbols, s)
	}
	return e
}

// Symbols returns the tradable symbols in configuration order
func (e *Exchange) Symbols() []string {
	return append([]string(nil), e.symbols...)
}

// CommissionRate returns the fraction of volume charged per trade
func (e *Exchange) CommissionRate() decimal.Decimal {
	return e.rate
}

// atomically runs fn as one atomic unit, rerunning it when the store aborted
// it over a lock conflict. fn must not carry state between runs.
func (e *Exchange) atomically(ctx context.Context, op string, fn func(tx db.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !db.IsRetryable(err) || attempt > e.maxRetries {
			return err
		}
		e.logger.Warn("retrying atomic unit after lock conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (e *Exchange) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.metrics.PublishFailed(string(ev.Kind))
		e.logger.Error("failed to publish event",
			zap.String("event", string(ev.Kind)),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err))
	}
}

func (e *Exchange) schedule(ctx context.Context, orderID int64) error {
	if err := e.scheduler.ScheduleMatch(ctx, orderID); err != nil {
		e.metrics.ScheduleFailed()
		e.logger.Error("failed to schedule match attempt", zap.Int64("order_id", orderID), zap.Error(err))
		return err
	}
	return nil
}

// reportFault logs a consistency fault with everything needed to repair the
// affected rows by hand.
func (e *Exchange) reportFault(op string, err error, fields ...zap.Field) {
	var f *ledger.ConsistencyFault
	if errors.As(err, &f) {
		fields = append(fields,
			zap.String("ledger_op", f.Op),
			zap.Int64("user_id", f.UserID),
			zap.String("symbol", f.Symbol),
			zap.String("have", f.Have.String()),
			zap.String("want", f.Want.String()))
	}
	e.metrics.ConsistencyFault(op)
	e.logger.Error("consistency fault, atomic unit rolled back",
		append(fields, zap.String("op", op), zap.Error(err))...)
}

type noScheduler struct{}

func (noScheduler) ScheduleMatch(context.Context, int64) error { return nil }
