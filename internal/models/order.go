package models

import (
	"fmt"
	"time"

	"equity-trader/internal/errors"
)

// OrderStatus is the local lifecycle state of an Order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// transitions lists the allowed next states for each non-terminal state.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderOpen, OrderFilled, OrderFailed},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderFailed},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderTag classifies the intent of an order.
type OrderTag string

const (
	TagEntry       OrderTag = "entry"
	TagStopLoss    OrderTag = "stoploss"
	TagTakeProfit  OrderTag = "take_profit"
	TagPartialExit OrderTag = "partial_exit"
	TagDCA         OrderTag = "dca"
	TagExit        OrderTag = "exit"
)

// Order mirrors one request sent, or about to be sent, to the brokerage.
type Order struct {
	ID             string
	TradeID        string
	Symbol         string
	Ticker         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Tag            OrderTag
	Segment        Segment
	RequestedQty   float64
	RequestedPrice float64
	FilledQty      float64
	FilledPrice    float64
	StopPrice      float64
	LimitPrice     float64
	ExternalID     string
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// Transition moves the order to next, enforcing the state machine and the
// external identifier requirement. Only failed may be reached without one,
// since a submission can fail before the exchange assigns an id.
func (o *Order) Transition(next OrderStatus, at time.Time) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, next, errors.ErrInvalidTransition)
	}
	if next != OrderFailed && o.ExternalID == "" {
		return fmt.Errorf("order %s: status %s requires an external id: %w", o.ID, next, errors.ErrInvalidTransition)
	}
	o.Status = next
	o.UpdatedAt = at
	if next == OrderFilled {
		t := at
		o.FilledAt = &t
	}
	return nil
}
