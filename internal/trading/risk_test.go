package trading

import (
	"testing"

	"equity-trader/internal/config"
	"equity-trader/internal/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOpenPositions:   3,
		MaxPositionSizePct: 10,
		MaxRiskPerTradePct: 2,
		MaxSectorPositions: 2,
		MaxSectorValuePct:  30,
		MaxDailyLossPct:    3,
		MaxDrawdownPct:     15,
	}
}

func TestValidateTrade_PositionSize(t *testing.T) {
	g := NewRiskGuard(testRiskConfig(), 5)
	snap := BuildSnapshot(nil, 100000, 0, 0)

	big := TradeProposal{Symbol: "AAPL", Side: models.OrderSideBuy, Shares: 150, Price: 100}
	if d := g.ValidateTrade(big, snap); d.Allowed || d.Rule != "max_position_size" {
		t.Errorf("15%% position should be rejected on size, got %+v", d)
	}

	small := TradeProposal{Symbol: "AAPL", Side: models.OrderSideBuy, Shares: 50, Price: 100}
	if d := g.ValidateTrade(small, snap); !d.Allowed {
		t.Errorf("5%% position should be admitted, got %+v", d)
	}
}

func TestValidateTrade_CheckOrder(t *testing.T) {
	g := NewRiskGuard(testRiskConfig(), 5)
	positions := []models.Position{
		{Symbol: "A", Shares: 10, EntryPrice: 100, Sector: "tech"},
		{Symbol: "B", Shares: 10, EntryPrice: 100, Sector: "tech"},
		{Symbol: "C", Shares: 10, EntryPrice: 100, Sector: "energy"},
	}

	tests := []struct {
		name      string
		positions []models.Position
		cash      float64
		proposal  TradeProposal
		rule      string
	}{
		{
			name:      "open positions first",
			positions: positions,
			cash:      100000,
			proposal:  TradeProposal{Side: models.OrderSideBuy, Shares: 1000, Price: 100, Sector: "tech"},
			rule:      "max_open_positions",
		},
		{
			name:     "risk per trade",
			cash:     100000,
			proposal: TradeProposal{Side: models.OrderSideBuy, Shares: 90, Price: 100, StopLossPct: 25},
			rule:     "max_risk_per_trade",
		},
		{
			name:      "sector count",
			positions: positions[:2],
			cash:      100000,
			proposal:  TradeProposal{Side: models.OrderSideBuy, Shares: 10, Price: 100, Sector: "tech"},
			rule:      "max_sector_positions",
		},
		{
			name:      "insufficient cash",
			positions: positions[2:],
			cash:      40,
			proposal:  TradeProposal{Side: models.OrderSideBuy, Shares: 1, Price: 50},
			rule:      "insufficient_cash",
		},
		{
			name:     "admitted",
			cash:     1000,
			proposal: TradeProposal{Side: models.OrderSideBuy, Shares: 1, Price: 50},
			rule:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.ValidateTrade(tt.proposal, BuildSnapshot(tt.positions, tt.cash, 0, 0))
			if d.Rule != tt.rule {
				t.Errorf("rule = %q, want %q (%s)", d.Rule, tt.rule, d.Reason)
			}
			if d.Allowed != (tt.rule == "") {
				t.Errorf("allowed = %v for rule %q", d.Allowed, d.Rule)
			}
		})
	}
}

func TestValidateTrade_SellAlwaysAllowed(t *testing.T) {
	g := NewRiskGuard(testRiskConfig(), 5)
	d := g.ValidateTrade(TradeProposal{Side: models.OrderSideSell, Shares: 1e6, Price: 1e3}, PortfolioSnapshot{})
	if !d.Allowed {
		t.Errorf("sells reduce exposure and must pass, got %+v", d)
	}
}

func TestValidateTrade_ZeroDisablesCheck(t *testing.T) {
	g := NewRiskGuard(config.RiskConfig{}, 5)
	p := TradeProposal{Side: models.OrderSideBuy, Shares: 900, Price: 100, Sector: "tech"}
	if d := g.ValidateTrade(p, BuildSnapshot(nil, 100000, 0, 0)); !d.Allowed {
		t.Errorf("only the cash check should apply, got %+v", d)
	}
}

func TestSnapshotLossLimits(t *testing.T) {
	g := NewRiskGuard(testRiskConfig(), 5)
	positions := []models.Position{{Symbol: "A", Shares: 100, EntryPrice: 100, CurrentPrice: 80}}

	snap := BuildSnapshot(positions, 10000, 21000, 19000)
	if snap.TotalValue != 18000 {
		t.Fatalf("total value = %v, want 18000", snap.TotalValue)
	}
	if !g.CheckDailyLoss(snap) {
		t.Errorf("daily loss %.2f%% should trip the 3%% limit", snap.DailyPnLPct)
	}
	if g.CheckDrawdown(snap) {
		t.Errorf("drawdown %.2f%% should be under the 15%% limit", snap.DrawdownPct)
	}
}
