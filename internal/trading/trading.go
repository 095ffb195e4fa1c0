// Package trading provides the trade execution and protection engine: risk
// admission, order execution with fill confirmation, scale-out, cost
// averaging, exchange reconciliation and pair locks.
package trading

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeGate is consulted before opening exposure and notified after closes.
type TradeGate interface {
	CanTrade(ctx context.Context, symbol string) (bool, string)
	EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64)
}

// dryRunPrefix marks synthetic external identifiers of simulated orders.
const dryRunPrefix = "DRY-"

func newID() string {
	return uuid.NewString()
}

func dryRunID() string {
	return dryRunPrefix + uuid.NewString()
}

// IsDryRunID reports whether an external id was fabricated by a simulated fill.
func IsDryRunID(id string) bool {
	return strings.HasPrefix(id, dryRunPrefix)
}

// cleanupTimeout bounds exchange and ledger work that must finish after the
// caller's context is gone.
const cleanupTimeout = 30 * time.Second

// detach returns a context that keeps ctx's values but not its cancellation,
// bounded by cleanupTimeout. Work past an exchange fill runs on it so a
// cancelled caller cannot strand an order or an unrecorded position.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// legPnL computes realized P&L and its percentage for selling shares bought
// at entry and sold at exit.
func legPnL(entry, exit, shares float64) (pnl, pnlPct float64) {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	pnl = x.Sub(e).Mul(decimal.NewFromFloat(shares)).InexactFloat64()
	if e.IsPositive() {
		pnlPct = x.Sub(e).Div(e).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return pnl, pnlPct
}

// slippage returns the fill price minus the decision-time price, absolute and
// as a percentage of the decision-time price.
func slippage(intended, filled float64) (abs, pct float64) {
	if intended <= 0 || filled <= 0 {
		return 0, 0
	}
	i := decimal.NewFromFloat(intended)
	diff := decimal.NewFromFloat(filled).Sub(i)
	return diff.InexactFloat64(), diff.Div(i).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// stopPrice returns fill × (1 - pct/100) rounded to cents.
func stopPrice(fill, pct float64) float64 {
	return decimal.NewFromFloat(fill).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))).
		Round(2).InexactFloat64()
}

// targetPrice returns fill × (1 + pct/100) rounded to cents.
func targetPrice(fill, pct float64) float64 {
	return decimal.NewFromFloat(fill).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))).
		Round(2).InexactFloat64()
}
