package lifecycle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/model"
)

// OrderSpec is an entry order handed to the exchange. Protective levels
// are always set.
type OrderSpec struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Leverage   decimal.Decimal `json:"leverage"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Venue      string          `json:"venue"`
}

// OrderAck confirms an accepted entry order.
type OrderAck struct {
	OrderID    string    `json:"order_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Exchange places and closes orders on a venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)
	CloseOrder(ctx context.Context, positionID string, exitPrice decimal.Decimal) (ledger.Fill, error)
}

// SentimentReader exposes the current sentiment snapshot and its zone.
type SentimentReader interface {
	Current() (model.SentimentReading, model.Zone)
}

// EventType names a lifecycle event.
type EventType string

const (
	EventOpened   EventType = "position_opened"
	EventClosing  EventType = "position_closing"
	EventClosed   EventType = "position_closed"
	EventRejected EventType = "signal_rejected"
)

// Event is emitted on every visible lifecycle step.
type Event struct {
	Type     EventType       `json:"type"`
	UserID   string          `json:"user_id"`
	Signal   *model.Signal   `json:"signal,omitempty"`
	Position *model.Position `json:"position,omitempty"`
	Reason   model.Reason    `json:"reason,omitempty"`
	Batch    *ledger.Batch   `json:"settlement,omitempty"`
	At       time.Time       `json:"at"`
}

// Notifier receives lifecycle events. Publish must not block.
type Notifier interface {
	Publish(Event)
}
