// Package queue runs match attempts off the request path. Schedulers accept
// an order id and eventually hand it to a Matcher on a worker goroutine.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/xtrntr/spotmatch/internal/models"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("match queue full")

// Scheduler requests a match attempt for an order. Delivery is at least
// once; a failed call means the attempt was not enqueued.
type Scheduler interface {
	ScheduleMatch(ctx context.Context, orderID int64) error
}

// Matcher is implemented by the exchange
type Matcher interface {
	AttemptMatch(ctx context.Context, orderID int64) (*models.Trade, error)
}

// Local is an in-process queue drained by a fixed pool of workers
type Local struct {
	jobs    chan int64
	workers int
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewLocal(size, workers int, logger *zap.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	return &Local{
		jobs:    make(chan int64, size),
		workers: workers,
		logger:  logger,
	}
}

// ScheduleMatch enqueues without blocking
func (q *Local) ScheduleMatch(ctx context.Context, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- orderID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They stop when ctx is done.
func (q *Local) Start(ctx context.Context, m Matcher) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.jobs:
					run(ctx, m, id, q.logger.With(zap.Int("worker", worker)))
				}
			}
		}(i)
	}
}

// Wait blocks until every worker has returned
func (q *Local) Wait() {
	q.wg.Wait()
}

func run(ctx context.Context, m Matcher, orderID int64, logger *zap.Logger) {
	trade, err := m.AttemptMatch(ctx, orderID)
	switch {
	case err != nil:
		logger.Error("match attempt failed", zap.Int64("order_id", orderID), zap.Error(err))
	case trade != nil:
		logger.Debug("order matched",
			zap.Int64("order_id", orderID),
			zap.Int64("trade_id", trade.ID))
	}
}
