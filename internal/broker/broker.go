// Package broker provides the brokerage client contract and implementations.
package broker

import (
	"context"

	"equity-trader/internal/models"
)

// Client is the brokerage execution API consumed by the engine.
type Client interface {
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlacedOrder, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*PlacedOrder, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlacedOrder, error)
	GetOrder(ctx context.Context, id string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, id string) error
}

// PriceSource looks up the latest traded price for a ticker.
type PriceSource interface {
	LatestPrice(ctx context.Context, ticker string) (float64, error)
}

// CashSource reports the cash available for new exposure.
type CashSource interface {
	AvailableCash(ctx context.Context) (float64, error)
}

// RemoteStatus is the order status as reported by the brokerage.
type RemoteStatus string

const (
	StatusNew       RemoteStatus = "NEW"
	StatusWorking   RemoteStatus = "WORKING"
	StatusFilled    RemoteStatus = "FILLED"
	StatusCancelled RemoteStatus = "CANCELLED"
	StatusRejected  RemoteStatus = "REJECTED"
)

// IsTerminal reports whether the remote order can no longer change.
func (s RemoteStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// MarketOrderRequest is a market order for Quantity shares.
type MarketOrderRequest struct {
	Ticker       string
	Side         models.OrderSide
	Quantity     float64
	TimeValidity models.TimeValidity
}

// StopOrderRequest is a stop order triggered at StopPrice.
type StopOrderRequest struct {
	Ticker       string
	Side         models.OrderSide
	Quantity     float64
	StopPrice    float64
	TimeValidity models.TimeValidity
}

// LimitOrderRequest is a limit order at LimitPrice.
type LimitOrderRequest struct {
	Ticker       string
	Side         models.OrderSide
	Quantity     float64
	LimitPrice   float64
	TimeValidity models.TimeValidity
}

// PlacedOrder is the acknowledgement of a submitted order.
type PlacedOrder struct {
	ID string
}

// OrderStatus is a snapshot of a remote order.
type OrderStatus struct {
	ID             string
	Status         RemoteStatus
	Quantity       float64
	Value          float64
	FilledQuantity float64
	FilledValue    float64
}

// FillPrice derives the average fill price, falling back to the requested
// notional when the brokerage has not reported fill fields.
func (s *OrderStatus) FillPrice() float64 {
	if s.FilledQuantity > 0 && s.FilledValue > 0 {
		return s.FilledValue / s.FilledQuantity
	}
	if s.Quantity > 0 && s.Value > 0 {
		return s.Value / s.Quantity
	}
	return 0
}

// FillQuantity returns the filled quantity, falling back to the requested one.
func (s *OrderStatus) FillQuantity() float64 {
	if s.FilledQuantity > 0 {
		return s.FilledQuantity
	}
	return s.Quantity
}

// StaticCash is a fixed cash figure, used when the brokerage does not report
// buying power.
type StaticCash float64

// AvailableCash returns the fixed amount.
func (c StaticCash) AvailableCash(ctx context.Context) (float64, error) {
	return float64(c), nil
}
