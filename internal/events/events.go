// Package events defines the notifications the exchange emits after an
// atomic unit commits, and the publishers that deliver them.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/spotmatch/internal/models"
)

// Kind names an event the way subscribers see it
type Kind string

const (
	KindOrderMatched   Kind = "order.matched"
	KindOrderCancelled Kind = "order.cancelled"
)

// ChannelOrders is the public channel every event is broadcast on
const ChannelOrders = "orders"

// UserChannel returns the private channel of a user
func UserChannel(userID int64) string {
	return fmt.Sprintf("user.%d", userID)
}

// Event is one notification with the channels it is addressed to
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"event"`
	Channels   []string  `json:"channels"`
	Key        string    `json:"-"` // Partitioning key, the symbol
	Payload    any       `json:"data"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderCancelled is the payload of KindOrderCancelled
type OrderCancelled struct {
	OrderID int64              `json:"order_id"`
	Symbol  string             `json:"symbol"`
	Status  models.OrderStatus `json:"status"`
}

// OrderMatched is the payload of KindOrderMatched
type OrderMatched struct {
	Trade       models.Trade         `json:"trade"`
	BuyOrderID  int64                `json:"buy_order_id"`
	SellOrderID int64                `json:"sell_order_id"`
	Buyer       models.PartySnapshot `json:"buyer"`
	Seller      models.PartySnapshot `json:"seller"`
}

// NewOrderCancelled builds the event for a cancelled order
func NewOrderCancelled(o *models.Order) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     KindOrderCancelled,
		Channels: []string{ChannelOrders, UserChannel(o.UserID)},
		Key:      o.Symbol,
		Payload: OrderCancelled{
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Status:  o.Status,
		},
		OccurredAt: time.Now().UTC(),
	}
}

// NewOrderMatched builds the event for a settled trade
func NewOrderMatched(t models.Trade, buyer, seller models.PartySnapshot) Event {
	channels := []string{ChannelOrders, UserChannel(buyer.UserID)}
	if seller.UserID != buyer.UserID {
		channels = append(channels, UserChannel(seller.UserID))
	}
	return Event{
		ID:       uuid.New(),
		Kind:     KindOrderMatched,
		Channels: channels,
		Key:      t.Symbol,
		Payload: OrderMatched{
			Trade:       t,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Buyer:       buyer,
			Seller:      seller,
		},
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events. Callers treat delivery as best effort: an
// error is reported, never undone.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
