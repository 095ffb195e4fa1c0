package trading

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/config"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

var testTiers = []config.PartialExitTier{
	{PctGain: 0.05, SellPct: 0.25},
	{PctGain: 0.10, SellPct: 0.50},
}

func newPartialManager(h *harness, breakeven bool) *PartialExitManager {
	return NewPartialExitManager(h.orders, config.PartialExitConfig{
		Enabled:             true,
		MoveStopToBreakeven: breakeven,
		Tiers:               testTiers,
	}, zerolog.Nop())
}

func TestPartialExit_FirstTierOnly(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		h := newHarness(t, dryRun)
		ctx := context.Background()
		m := newPartialManager(h, false)

		h.buy(t, "AAPL", 100, 100)
		h.paper.SetPrice("AAPL", 106)
		if _, err := h.orders.RefreshPrices(ctx); err != nil {
			t.Fatal(err)
		}

		eval := m.EvaluatePosition(h.position(t, "AAPL"))
		if !eval.ShouldExit || eval.Tier != 0 || eval.SharesToSell != 25 {
			t.Fatalf("dryRun=%v: expected tier 1 selling 25, got %+v", dryRun, eval)
		}

		res := m.ExecutePartialExit(ctx, "AAPL", eval)
		if !res.Success {
			t.Fatalf("dryRun=%v: partial exit failed: %s", dryRun, res.Reason)
		}

		pos := h.position(t, "AAPL")
		if pos.Shares != 75 || pos.PartialExits != 1 {
			t.Errorf("dryRun=%v: position after exit: %v shares, %d exits", dryRun, pos.Shares, pos.PartialExits)
		}
		if !approxEqual(pos.InvestedCapital, 7500) {
			t.Errorf("dryRun=%v: invested capital = %v, want 7500", dryRun, pos.InvestedCapital)
		}
		if pos.EntryPrice != 100 {
			t.Errorf("dryRun=%v: entry price moved to %v", dryRun, pos.EntryPrice)
		}

		if again := m.EvaluatePosition(pos); again.ShouldExit {
			t.Errorf("dryRun=%v: tier 2 should not fire at +6%%: %+v", dryRun, again)
		}

		sells, _ := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL", Side: models.OrderSideSell})
		if len(sells) != 1 || sells[0].ExitTag != models.TagPartialExit || sells[0].Shares != 25 {
			t.Errorf("dryRun=%v: unexpected sell trades %+v", dryRun, sells)
		}
	}
}

func TestPartialExit_Rejections(t *testing.T) {
	m := NewPartialExitManager(nil, config.PartialExitConfig{Enabled: true, Tiers: testTiers}, zerolog.Nop())

	tests := []struct {
		name string
		pos  models.Position
	}{
		{"below threshold", models.Position{Shares: 100, UnrealizedPnLPct: 4.9}},
		{"rounds to zero", models.Position{Shares: 3, UnrealizedPnLPct: 6}},
		{"all tiers used", models.Position{Shares: 100, UnrealizedPnLPct: 50, PartialExits: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if eval := m.EvaluatePosition(&tt.pos); eval.ShouldExit {
				t.Errorf("expected no exit, got %+v", eval)
			}
		})
	}

	whole := NewPartialExitManager(nil, config.PartialExitConfig{
		Enabled: true,
		Tiers:   []config.PartialExitTier{{PctGain: 0.01, SellPct: 0.99}},
	}, zerolog.Nop())
	if eval := whole.EvaluatePosition(&models.Position{Shares: 1, UnrealizedPnLPct: 5}); eval.ShouldExit {
		t.Errorf("selling the whole position must be rejected, got %+v", eval)
	}
}

func TestPartialExit_MovesStopToBreakevenDryRun(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	m := newPartialManager(h, true)

	buy := h.buy(t, "AAPL", 100, 100)
	h.paper.SetPrice("AAPL", 106)
	h.orders.RefreshPrices(ctx)

	res := m.ExecutePartialExit(ctx, "AAPL", m.EvaluatePosition(h.position(t, "AAPL")))
	if !res.Success {
		t.Fatalf("partial exit failed: %s", res.Reason)
	}

	pos := h.position(t, "AAPL")
	if pos.StopLossPrice != 100 {
		t.Errorf("stop = %v, want breakeven 100", pos.StopLossPrice)
	}
	if pos.StopOrderID == buy.StopOrderID || !IsDryRunID(pos.StopOrderID) {
		t.Errorf("stop order not replaced: %q", pos.StopOrderID)
	}

	stops, _ := h.ledger.ListOrders(ctx, store.OrderFilter{Symbol: "AAPL", Tag: models.TagStopLoss, Status: models.OrderOpen})
	if len(stops) != 1 || stops[0].RequestedQty != 75 || stops[0].StopPrice != 100 {
		t.Errorf("expected one open breakeven stop for 75 shares, got %+v", stops)
	}
}

func TestPartialExit_BreakevenLive(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	m := newPartialManager(h, true)

	buy := h.buy(t, "AAPL", 100, 100)
	h.paper.SetPrice("AAPL", 106)
	h.orders.RefreshPrices(ctx)

	res := m.ExecutePartialExit(ctx, "AAPL", m.EvaluatePosition(h.position(t, "AAPL")))
	if !res.Success || res.Unprotected {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.paper.Calls(broker.OpStop) != 2 {
		t.Errorf("expected original and breakeven stops, got %d", h.paper.Calls(broker.OpStop))
	}

	pos := h.position(t, "AAPL")
	if pos.StopOrderID == buy.StopOrderID || pos.StopLossPrice != 100 {
		t.Errorf("stop not moved: %q at %v", pos.StopOrderID, pos.StopLossPrice)
	}
	for _, id := range h.paper.OpenOrders() {
		if id == buy.StopOrderID {
			t.Error("old stop still working on the exchange")
		}
	}
}

func TestPartialExit_ProtectiveOrdersResizedToRemainder(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		h := newHarness(t, dryRun)
		ctx := context.Background()
		m := newPartialManager(h, false)

		buy := h.buy(t, "AAPL", 100, 100)
		h.paper.SetPrice("AAPL", 106)
		h.orders.RefreshPrices(ctx)

		res := m.ExecutePartialExit(ctx, "AAPL", m.EvaluatePosition(h.position(t, "AAPL")))
		if !res.Success || res.Unprotected {
			t.Fatalf("dryRun=%v: unexpected result %+v", dryRun, res)
		}

		pos := h.position(t, "AAPL")
		if pos.StopLossPrice != 95 || pos.TakeProfitPrice != 110 {
			t.Errorf("dryRun=%v: protective prices moved: stop %v, target %v", dryRun, pos.StopLossPrice, pos.TakeProfitPrice)
		}
		if pos.StopOrderID == buy.StopOrderID || pos.TakeProfitOrderID == buy.TakeProfitOrderID {
			t.Errorf("dryRun=%v: protective orders not replaced: %q %q", dryRun, pos.StopOrderID, pos.TakeProfitOrderID)
		}

		for _, tag := range []models.OrderTag{models.TagStopLoss, models.TagTakeProfit} {
			open, _ := h.ledger.ListOrders(ctx, store.OrderFilter{Symbol: "AAPL", Tag: tag, Status: models.OrderOpen})
			if len(open) != 1 || open[0].RequestedQty != pos.Shares {
				t.Errorf("dryRun=%v: expected one open %s for %v shares, got %+v", dryRun, tag, pos.Shares, open)
			}
		}

		if dryRun {
			continue
		}
		if got := h.paper.Calls(broker.OpCancel); got != 2 {
			t.Errorf("expected stop and target cancelled before the sell, got %d cancels", got)
		}
		working := map[string]bool{}
		for _, id := range h.paper.OpenOrders() {
			working[id] = true
		}
		if len(working) != 2 || !working[pos.StopOrderID] || !working[pos.TakeProfitOrderID] {
			t.Errorf("exchange should hold only the resized orders, got %v", working)
		}
	}
}

func TestPartialExit_FailedSellRestoresProtection(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	m := newPartialManager(h, true)

	h.buy(t, "AAPL", 100, 100)
	h.paper.SetPrice("AAPL", 106)
	h.orders.RefreshPrices(ctx)
	h.paper.FailOn(broker.OpMarket, stderrors.New("market closed"))

	res := m.ExecutePartialExit(ctx, "AAPL", m.EvaluatePosition(h.position(t, "AAPL")))
	if res.Success {
		t.Fatalf("expected the exit to fail, got %+v", res)
	}

	pos := h.position(t, "AAPL")
	if pos.Shares != 100 || pos.PartialExits != 0 {
		t.Errorf("failed exit changed the position: %+v", pos)
	}
	if pos.Protection != models.ProtectionProtected || pos.StopLossPrice != 95 {
		t.Errorf("stop should be restored at the original price, got %s at %v", pos.Protection, pos.StopLossPrice)
	}
	stops, _ := h.ledger.ListOrders(ctx, store.OrderFilter{Symbol: "AAPL", Tag: models.TagStopLoss, Status: models.OrderOpen})
	if len(stops) != 1 || stops[0].RequestedQty != 100 || stops[0].ExternalID != pos.StopOrderID {
		t.Errorf("expected one open stop for the full position, got %+v", stops)
	}
}

func TestPartialExit_BreakevenStopFailureKeepsExit(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	m := newPartialManager(h, true)

	h.buy(t, "AAPL", 100, 100)
	h.paper.SetPrice("AAPL", 106)
	h.orders.RefreshPrices(ctx)
	h.paper.FailOn(broker.OpStop, stderrors.New("stop rejected"))

	res := m.ExecutePartialExit(ctx, "AAPL", m.EvaluatePosition(h.position(t, "AAPL")))
	if !res.Success || !res.Unprotected {
		t.Fatalf("expected successful exit flagged unprotected, got %+v", res)
	}

	pos := h.position(t, "AAPL")
	if pos.Shares != 75 || pos.PartialExits != 1 {
		t.Errorf("partial exit rolled back: %+v", pos)
	}
	if pos.Protection != models.ProtectionUnprotected {
		t.Errorf("protection = %s", pos.Protection)
	}
}

func TestProperty_PartialExitNeverSellsWholePosition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("shares sold are a whole number strictly below the position", prop.ForAll(
		func(shares int, gainPct float64, sellPct float64, exits int) bool {
			m := NewPartialExitManager(nil, config.PartialExitConfig{
				Enabled: true,
				Tiers: []config.PartialExitTier{
					{PctGain: 0.02, SellPct: sellPct},
					{PctGain: 0.05, SellPct: sellPct},
				},
			}, zerolog.Nop())
			pos := &models.Position{Shares: float64(shares), UnrealizedPnLPct: gainPct, PartialExits: exits}

			eval := m.EvaluatePosition(pos)
			if !eval.ShouldExit {
				return true
			}
			whole := eval.SharesToSell == float64(int(eval.SharesToSell))
			return whole && eval.SharesToSell >= 1 && eval.SharesToSell < pos.Shares && eval.Tier == exits
		},
		gen.IntRange(1, 5000),
		gen.Float64Range(-20, 40),
		gen.Float64Range(0.01, 0.99),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
