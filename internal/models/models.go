// Package models provides domain models for the trade execution engine.
package models

// OrderSide represents the side of an order or trade leg.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// Segment identifies the account segment a position is held in.
type Segment string

const (
	SegmentTaxable      Segment = "taxable"
	SegmentTaxAdvantage Segment = "tax_advantaged"
)

// TimeValidity is the lifetime of an order on the exchange.
type TimeValidity string

const (
	ValidityDay TimeValidity = "DAY"
	ValidityGTC TimeValidity = "GOOD_TILL_CANCEL"
)

// Protection describes whether an open position has its exchange-side
// stop-loss in place.
type Protection string

const (
	ProtectionProtected   Protection = "protected"
	ProtectionUnprotected Protection = "unprotected"
)
