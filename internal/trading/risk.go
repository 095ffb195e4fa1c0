package trading

import (
	"fmt"

	"equity-trader/internal/config"
	"equity-trader/internal/errors"
	"equity-trader/internal/models"
)

// TradeProposal is a request to open or reduce exposure.
type TradeProposal struct {
	Symbol string
	Side   models.OrderSide
	Shares float64
	Price  float64
	// StopLossPct overrides the configured stop distance when positive.
	StopLossPct float64
	Sector      string
}

// Notional returns shares × price.
func (p TradeProposal) Notional() float64 {
	return p.Shares * p.Price
}

// PortfolioSnapshot is the portfolio state Risk Guard decides against.
type PortfolioSnapshot struct {
	TotalValue    float64
	Cash          float64
	OpenPositions int
	SectorCounts  map[string]int
	SectorValues  map[string]float64
	DailyPnLPct   float64
	DrawdownPct   float64
}

// RiskDecision is the outcome of an admission check.
type RiskDecision struct {
	Allowed bool
	Reason  string
	Rule    string
}

// BuildSnapshot derives a portfolio snapshot from open positions and cash.
// peakValue and dayStartValue feed drawdown and daily P&L; zero disables each.
func BuildSnapshot(positions []models.Position, cash, peakValue, dayStartValue float64) PortfolioSnapshot {
	snap := PortfolioSnapshot{
		Cash:          cash,
		OpenPositions: len(positions),
		SectorCounts:  make(map[string]int),
		SectorValues:  make(map[string]float64),
	}

	invested := 0.0
	for i := range positions {
		value := positions[i].MarketValue()
		invested += value
		if sector := positions[i].Sector; sector != "" {
			snap.SectorCounts[sector]++
			snap.SectorValues[sector] += value
		}
	}
	snap.TotalValue = cash + invested

	if dayStartValue > 0 {
		snap.DailyPnLPct = (snap.TotalValue - dayStartValue) / dayStartValue * 100
	}
	if peakValue > 0 && snap.TotalValue < peakValue {
		snap.DrawdownPct = (peakValue - snap.TotalValue) / peakValue * 100
	}
	return snap
}

// RiskGuard is pre-trade admission control. It only gates new exposure.
type RiskGuard struct {
	cfg         config.RiskConfig
	stopLossPct float64
}

// NewRiskGuard creates a risk guard. stopLossPct is the default stop distance
// used for the risk-per-trade check.
func NewRiskGuard(cfg config.RiskConfig, stopLossPct float64) *RiskGuard {
	return &RiskGuard{cfg: cfg, stopLossPct: stopLossPct}
}

// ValidateTrade admits or rejects a proposal. Checks run in a fixed order and
// the first failure wins. SELL proposals are always admitted.
func (g *RiskGuard) ValidateTrade(p TradeProposal, snap PortfolioSnapshot) RiskDecision {
	if p.Side == models.OrderSideSell {
		return RiskDecision{Allowed: true}
	}

	checks := []func(TradeProposal, PortfolioSnapshot) *errors.RiskError{
		g.checkOpenPositions,
		g.checkPositionSize,
		g.checkRiskPerTrade,
		g.checkSector,
		g.checkCash,
	}
	for _, check := range checks {
		if rerr := check(p, snap); rerr != nil {
			return RiskDecision{Allowed: false, Reason: rerr.Error(), Rule: rerr.Rule}
		}
	}
	return RiskDecision{Allowed: true}
}

func (g *RiskGuard) checkOpenPositions(p TradeProposal, snap PortfolioSnapshot) *errors.RiskError {
	if g.cfg.MaxOpenPositions > 0 && snap.OpenPositions >= g.cfg.MaxOpenPositions {
		return errors.NewRiskError("max_open_positions", float64(snap.OpenPositions), float64(g.cfg.MaxOpenPositions),
			"open position limit reached")
	}
	return nil
}

func (g *RiskGuard) checkPositionSize(p TradeProposal, snap PortfolioSnapshot) *errors.RiskError {
	if g.cfg.MaxPositionSizePct <= 0 {
		return nil
	}
	limit := snap.TotalValue * g.cfg.MaxPositionSizePct / 100
	if p.Notional() > limit {
		return errors.NewRiskError("max_position_size", p.Notional(), limit,
			fmt.Sprintf("position notional exceeds %.1f%% of portfolio", g.cfg.MaxPositionSizePct))
	}
	return nil
}

func (g *RiskGuard) checkRiskPerTrade(p TradeProposal, snap PortfolioSnapshot) *errors.RiskError {
	if g.cfg.MaxRiskPerTradePct <= 0 {
		return nil
	}
	stop := p.StopLossPct
	if stop <= 0 {
		stop = g.stopLossPct
	}
	risk := p.Notional() * stop / 100
	limit := snap.TotalValue * g.cfg.MaxRiskPerTradePct / 100
	if risk > limit {
		return errors.NewRiskError("max_risk_per_trade", risk, limit,
			fmt.Sprintf("risk at stop exceeds %.1f%% of portfolio", g.cfg.MaxRiskPerTradePct))
	}
	return nil
}

func (g *RiskGuard) checkSector(p TradeProposal, snap PortfolioSnapshot) *errors.RiskError {
	if p.Sector == "" {
		return nil
	}
	if g.cfg.MaxSectorPositions > 0 && snap.SectorCounts[p.Sector] >= g.cfg.MaxSectorPositions {
		return errors.NewRiskError("max_sector_positions", float64(snap.SectorCounts[p.Sector]), float64(g.cfg.MaxSectorPositions),
			fmt.Sprintf("sector %s at position limit", p.Sector))
	}
	if g.cfg.MaxSectorValuePct > 0 && snap.TotalValue > 0 {
		pct := (snap.SectorValues[p.Sector] + p.Notional()) / snap.TotalValue * 100
		if pct > g.cfg.MaxSectorValuePct {
			return errors.NewRiskError("max_sector_value", pct, g.cfg.MaxSectorValuePct,
				fmt.Sprintf("sector %s exposure too high", p.Sector))
		}
	}
	return nil
}

func (g *RiskGuard) checkCash(p TradeProposal, snap PortfolioSnapshot) *errors.RiskError {
	if p.Notional() > snap.Cash {
		return errors.NewRiskError("insufficient_cash", p.Notional(), snap.Cash, "not enough cash")
	}
	return nil
}

// CheckDailyLoss reports whether today's loss has reached the configured limit.
func (g *RiskGuard) CheckDailyLoss(snap PortfolioSnapshot) bool {
	return g.cfg.MaxDailyLossPct > 0 && -snap.DailyPnLPct >= g.cfg.MaxDailyLossPct
}

// CheckDrawdown reports whether drawdown from peak has reached the configured limit.
func (g *RiskGuard) CheckDrawdown(snap PortfolioSnapshot) bool {
	return g.cfg.MaxDrawdownPct > 0 && snap.DrawdownPct >= g.cfg.MaxDrawdownPct
}
