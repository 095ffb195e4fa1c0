package models

import "time"

// Position is the current open holding in one symbol.
type Position struct {
	Symbol             string
	Ticker             string
	Shares             float64
	EntryPrice         float64 // volume-weighted across DCA rounds
	OriginalEntryPrice float64
	OriginalShares     float64 // bought by the entry order; DCA rounds scale from it
	EntryTime          time.Time
	CurrentPrice       float64
	UnrealizedPnL      float64
	UnrealizedPnLPct   float64
	StopLossPrice      float64
	TakeProfitPrice    float64
	TrailingStopPrice  float64
	Conviction         float64
	StopOrderID        string
	TakeProfitOrderID  string
	DCARounds          int
	InvestedCapital    float64
	PartialExits       int
	Segment            Segment
	Sector             string
	Protection         Protection
	UpdatedAt          time.Time
}

// MarketValue returns the position value at the last known price, falling
// back to the entry price when no quote has been seen yet.
func (p *Position) MarketValue() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Shares * price
}

// Reprice updates the current price and the derived unrealized P&L.
func (p *Position) Reprice(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Shares
	if p.EntryPrice > 0 {
		p.UnrealizedPnLPct = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	p.UpdatedAt = at
}
