package trading

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/config"
)

func TestEvaluatorSweep(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	partial := newPartialManager(h, false)
	dca := NewDCAManager(h.orders, config.DCAConfig{
		Enabled:         true,
		MaxRounds:       1,
		DropPctPerRound: 5,
		SizeMultiplier:  1,
	}, zerolog.Nop())
	ev := NewEvaluator(h.orders, partial, dca, broker.StaticCash(1e6), zerolog.Nop())

	h.buy(t, "AAPL", 100, 100)
	h.buy(t, "MSFT", 10, 100)
	h.buy(t, "GOOG", 10, 100)
	h.paper.SetPrice("AAPL", 106)
	h.paper.SetPrice("MSFT", 90)
	h.paper.SetPrice("GOOG", 99)

	res, err := ev.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := SweepResult{Evaluated: 3, PartialExits: 1, DCABuys: 1}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}

	if pos := h.position(t, "AAPL"); pos.Shares != 75 || pos.DCARounds != 0 {
		t.Errorf("AAPL: %v shares, %d dca rounds", pos.Shares, pos.DCARounds)
	}
	if pos := h.position(t, "MSFT"); pos.Shares != 20 || !approxEqual(pos.EntryPrice, 95) {
		t.Errorf("MSFT: %v shares at %v", pos.Shares, pos.EntryPrice)
	}
	if pos := h.position(t, "GOOG"); pos.Shares != 10 || pos.PartialExits != 0 {
		t.Errorf("GOOG should be untouched: %+v", pos)
	}

	again, err := ev.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.PartialExits != 0 || again.DCABuys != 0 {
		t.Errorf("second sweep should find nothing to do, got %+v", again)
	}
}
