package models

import "time"

// Trade is the immutable record of one executed leg.
type Trade struct {
	ID            string
	Symbol        string
	Ticker        string
	Side          OrderSide
	Shares        float64
	EntryPrice    float64
	ExitPrice     float64
	EntryTime     time.Time
	ExitTime      *time.Time
	PnL           float64
	PnLPct        float64
	ExitReason    string
	ExitTag       OrderTag
	IntendedPrice float64
	FilledPrice   float64
	Slippage      float64
	SlippagePct   float64
	Segment       Segment
	AIModel       string
	AIConviction  float64
	AIReasoning   string
	DryRun        bool
	CreatedAt     time.Time
}
