package trading

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/config"
	"equity-trader/internal/models"
)

func testDCAConfig() config.DCAConfig {
	return config.DCAConfig{
		Enabled:         true,
		MaxRounds:       2,
		DropPctPerRound: 5,
		SizeMultiplier:  1.5,
	}
}

func TestAveragePrice_VolumeWeighted(t *testing.T) {
	avg, capital := averagePrice(1000, 10, 2200, 20)
	if !approxEqual(avg, 320.0/3) {
		t.Errorf("average = %v, want 106.667", avg)
	}
	if capital != 3200 {
		t.Errorf("capital = %v, want 3200", capital)
	}
}

func TestExecuteDCA_RecomputesVWAP(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		h := newHarness(t, dryRun)
		ctx := context.Background()
		m := NewDCAManager(h.orders, testDCAConfig(), zerolog.Nop())

		h.buy(t, "AAPL", 10, 100)
		h.paper.SetPrice("AAPL", 110)

		res := m.ExecuteDCA(ctx, "AAPL", DCAEvaluation{ShouldBuy: true, SharesToBuy: 20, Price: 110})
		if !res.Success {
			t.Fatalf("dryRun=%v: dca failed: %s", dryRun, res.Reason)
		}

		pos := h.position(t, "AAPL")
		if pos.Shares != 30 {
			t.Errorf("dryRun=%v: shares = %v, want 30", dryRun, pos.Shares)
		}
		if !approxEqual(pos.EntryPrice, 320.0/3) {
			t.Errorf("dryRun=%v: entry = %v, want 106.667", dryRun, pos.EntryPrice)
		}
		if !approxEqual(pos.InvestedCapital, 3200) || pos.DCARounds != 1 {
			t.Errorf("dryRun=%v: invested %v, rounds %d", dryRun, pos.InvestedCapital, pos.DCARounds)
		}
		if pos.OriginalEntryPrice != 100 {
			t.Errorf("dryRun=%v: original entry changed to %v", dryRun, pos.OriginalEntryPrice)
		}
		if pos.StopOrderID == "" {
			t.Errorf("dryRun=%v: protective stop should be left in place", dryRun)
		}
	}
}

func TestDCAEvaluate_Order(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	m := NewDCAManager(h.orders, testDCAConfig(), zerolog.Nop())

	pos := &models.Position{Symbol: "AAPL", Shares: 10, EntryPrice: 100, OriginalEntryPrice: 100, InvestedCapital: 1000}

	eval, err := m.EvaluatePosition(ctx, "AAPL", 96, pos, 1e6)
	if err != nil || eval.ShouldBuy {
		t.Fatalf("price above the round 1 threshold should not buy: %+v, %v", eval, err)
	}
	if !approxEqual(eval.ThresholdPrice, 95) {
		t.Errorf("round 1 threshold = %v, want 95", eval.ThresholdPrice)
	}

	eval, _ = m.EvaluatePosition(ctx, "AAPL", 94, pos, 1e6)
	if !eval.ShouldBuy || eval.SharesToBuy != 10 || eval.Round != 1 {
		t.Fatalf("expected round 1 buying 10, got %+v", eval)
	}
	if !approxEqual(eval.NewAveragePrice, 97) {
		t.Errorf("new average = %v, want 97", eval.NewAveragePrice)
	}

	eval, _ = m.EvaluatePosition(ctx, "AAPL", 94, pos, 500)
	if eval.ShouldBuy || !strings.Contains(eval.Reason, "insufficient cash") {
		t.Errorf("expected cash rejection, got %+v", eval)
	}

	// Without a recorded entry size, round 2 scales the size estimated from the held shares.
	pos2 := &models.Position{Symbol: "AAPL", Shares: 20, EntryPrice: 97, OriginalEntryPrice: 100, InvestedCapital: 1940, DCARounds: 1}
	eval, _ = m.EvaluatePosition(ctx, "AAPL", 94, pos2, 1e6)
	if eval.ShouldBuy {
		t.Errorf("round 2 needs a 10%% drop, got %+v", eval)
	}
	eval, _ = m.EvaluatePosition(ctx, "AAPL", 89, pos2, 1e6)
	if !eval.ShouldBuy || eval.SharesToBuy != 15 {
		t.Errorf("expected round 2 buying 15, got %+v", eval)
	}

	pos2.DCARounds = 2
	eval, _ = m.EvaluatePosition(ctx, "AAPL", 50, pos2, 1e6)
	if eval.ShouldBuy || !strings.Contains(eval.Reason, "max dca rounds") {
		t.Errorf("round cap should win, got %+v", eval)
	}
}

func TestDCAEvaluate_SizesFromEntryAfterPartialExit(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	m := NewDCAManager(h.orders, testDCAConfig(), zerolog.Nop())
	partial := newPartialManager(h, false)

	h.buy(t, "AAPL", 100, 100)
	h.paper.SetPrice("AAPL", 106)
	h.orders.RefreshPrices(ctx)
	if res := partial.ExecutePartialExit(ctx, "AAPL", partial.EvaluatePosition(h.position(t, "AAPL"))); !res.Success {
		t.Fatalf("partial exit failed: %s", res.Reason)
	}

	pos := h.position(t, "AAPL")
	if pos.Shares != 75 || pos.OriginalShares != 100 {
		t.Fatalf("expected 75 held of an original 100, got %v of %v", pos.Shares, pos.OriginalShares)
	}

	eval, err := m.EvaluatePosition(ctx, "AAPL", 94, pos, 1e6)
	if err != nil {
		t.Fatal(err)
	}
	if !eval.ShouldBuy || eval.SharesToBuy != 100 {
		t.Errorf("round 1 should match the entry size of 100, got %+v", eval)
	}

	if res := m.ExecuteDCA(ctx, "AAPL", eval); !res.Success {
		t.Fatalf("dca failed: %s", res.Reason)
	}
	if pos := h.position(t, "AAPL"); pos.Shares != 175 || pos.OriginalShares != 100 {
		t.Errorf("after dca: %v held, original %v", pos.Shares, pos.OriginalShares)
	}
}

func TestDCAEvaluate_MinimumSpacing(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	cfg := testDCAConfig()
	cfg.MinMinutesBetween = 60
	m := NewDCAManager(h.orders, cfg, zerolog.Nop())

	h.buy(t, "AAPL", 10, 100)
	pos := h.position(t, "AAPL")

	eval, err := m.EvaluatePosition(ctx, "AAPL", 90, pos, 1e6)
	if err != nil {
		t.Fatal(err)
	}
	if eval.ShouldBuy || !strings.Contains(eval.Reason, "last buy") {
		t.Fatalf("recent buy should block dca, got %+v", eval)
	}

	later := time.Now().UTC().Add(2 * time.Hour)
	h.orders.now = func() time.Time { return later }
	eval, _ = m.EvaluatePosition(ctx, "AAPL", 90, pos, 1e6)
	if !eval.ShouldBuy {
		t.Errorf("spacing elapsed, expected a buy: %+v", eval)
	}
}

func TestExecuteDCA_LockedPair(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	m := NewDCAManager(h.orders, testDCAConfig(), zerolog.Nop())

	h.buy(t, "AAPL", 10, 100)
	if _, err := h.locks.LockGlobal(ctx, 60, "drawdown"); err != nil {
		t.Fatal(err)
	}

	res := m.ExecuteDCA(ctx, "AAPL", DCAEvaluation{ShouldBuy: true, SharesToBuy: 10, Price: 90})
	if res.Success {
		t.Fatal("dca must not buy into a locked book")
	}
	if pos := h.position(t, "AAPL"); pos.Shares != 10 {
		t.Errorf("position changed to %v shares", pos.Shares)
	}
}
