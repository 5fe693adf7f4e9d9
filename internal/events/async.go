package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrBufferFull = errors.New("event buffer full")

// Async hands events to a background goroutine so Publish never waits on
// the network. Events that do not fit in the buffer are dropped.
type Async struct {
	next    Publisher
	events  chan Event
	logger  *zap.Logger
	timeout time.Duration
	onError func(Event, error)

	wg   sync.WaitGroup
	once sync.Once
}

// NewAsync starts the delivery goroutine. onError may be nil.
func NewAsync(next Publisher, size int, logger *zap.Logger, onError func(Event, error)) *Async {
	a := &Async{
		next:    next,
		events:  make(chan Event, size),
		logger:  logger,
		timeout: 5 * time.Second,
		onError: onError,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Publish queues e for delivery
func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case a.events <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

func (a *Async) loop() {
	defer a.wg.Done()
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, e)
		cancel()
		if err != nil {
			a.logger.Warn("event delivery failed",
				zap.String("event", string(e.Kind)),
				zap.String("event_id", e.ID.String()),
				zap.Error(err))
			if a.onError != nil {
				a.onError(e, err)
			}
		}
	}
}

// Close delivers what is buffered and stops the goroutine
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.events)
		a.wg.Wait()
	})
}
