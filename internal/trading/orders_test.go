package trading

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"equity-trader/internal/broker"
	"equity-trader/internal/errors"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

func TestExecuteBuy_ConcurrentSameSymbolOneWins(t *testing.T) {
	h := newHarness(t, false)
	h.paper.SetPrice("NVDA", 100)
	h.paper.SetFillDelay(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]OrderResult, 2)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = h.orders.ExecuteBuy(ctx, BuyParams{Symbol: "NVDA", Shares: 10, Price: 100})
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Success {
			wins++
			continue
		}
		if !errors.Is(res.Err, errors.ErrDuplicatePosition) {
			t.Errorf("loser should fail as duplicate, got %v", res.Err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning buy, got %d", wins)
	}

	positions, err := h.ledger.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Errorf("expected one position, got %d", len(positions))
	}
}

func TestExecuteBuy_DuplicateRejectedWithoutMutation(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		h := newHarness(t, dryRun)
		h.buy(t, "AAPL", 10, 100)
		marketCalls := h.paper.Calls(broker.OpMarket)

		res := h.orders.ExecuteBuy(context.Background(), BuyParams{Symbol: "AAPL", Shares: 5, Price: 100})
		if res.Success || !errors.Is(res.Err, errors.ErrDuplicatePosition) {
			t.Fatalf("dryRun=%v: expected duplicate failure, got %+v", dryRun, res)
		}
		if h.paper.Calls(broker.OpMarket) != marketCalls {
			t.Errorf("dryRun=%v: duplicate buy reached the exchange", dryRun)
		}
		if pos := h.position(t, "AAPL"); pos.Shares != 10 {
			t.Errorf("dryRun=%v: position changed to %v shares", dryRun, pos.Shares)
		}
	}
}

func TestBuyThenClose_LeavesNoPositionAndTwoTrades(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		h := newHarness(t, dryRun)
		ctx := context.Background()

		buy := h.buy(t, "MSFT", 12, 400)
		if buy.StopLossPrice != 380 {
			t.Errorf("dryRun=%v: stop price = %v, want 380", dryRun, buy.StopLossPrice)
		}
		if buy.TakeProfitPrice != 440 {
			t.Errorf("dryRun=%v: take-profit price = %v, want 440", dryRun, buy.TakeProfitPrice)
		}

		h.paper.SetPrice("MSFT", 420)
		res := h.orders.ExecuteClose(ctx, CloseParams{Symbol: "MSFT", Reason: "rebalance"})
		if !res.Success {
			t.Fatalf("dryRun=%v: close failed: %s", dryRun, res.Reason)
		}
		if !approxEqual(res.PnL, 240) {
			t.Errorf("dryRun=%v: pnl = %v, want 240", dryRun, res.PnL)
		}

		positions, _ := h.ledger.ListPositions(ctx, store.PositionFilter{})
		if len(positions) != 0 {
			t.Errorf("dryRun=%v: expected no positions, got %d", dryRun, len(positions))
		}

		trades, err := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "MSFT"})
		if err != nil {
			t.Fatalf("ListTrades: %v", err)
		}
		if len(trades) != 2 {
			t.Fatalf("dryRun=%v: expected 2 trades, got %d", dryRun, len(trades))
		}
		if trades[0].Side != models.OrderSideBuy || trades[1].Side != models.OrderSideSell {
			t.Errorf("dryRun=%v: unexpected sides %s, %s", dryRun, trades[0].Side, trades[1].Side)
		}
		if trades[0].Shares != trades[1].Shares {
			t.Errorf("dryRun=%v: share mismatch %v vs %v", dryRun, trades[0].Shares, trades[1].Shares)
		}
		if trades[1].ExitTag != models.TagExit {
			t.Errorf("dryRun=%v: exit tag = %s", dryRun, trades[1].ExitTag)
		}

		open, _ := h.ledger.ListOpenOrders(ctx)
		if len(open) != 0 {
			t.Errorf("dryRun=%v: protective orders left open: %d", dryRun, len(open))
		}
	}
}

func TestExecuteClose_NoPosition(t *testing.T) {
	h := newHarness(t, false)
	res := h.orders.ExecuteClose(context.Background(), CloseParams{Symbol: "GOOG", Reason: "exit"})
	if res.Success || !errors.Is(res.Err, errors.ErrPositionNotFound) {
		t.Fatalf("expected position not found, got %+v", res)
	}
}

func TestExecuteClose_FillTimeoutKeepsPosition(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.buy(t, "AMD", 10, 150)

	h.paper.HoldFills(true)
	res := h.orders.ExecuteClose(ctx, CloseParams{Symbol: "AMD", Reason: "exit"})
	if res.Success || !errors.Is(res.Err, errors.ErrNoFill) {
		t.Fatalf("expected no fill, got %+v", res)
	}

	pos := h.position(t, "AMD")
	if pos.Protection != models.ProtectionUnprotected {
		t.Errorf("stop was cancelled but position is %s", pos.Protection)
	}
	trades, _ := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "AMD"})
	if len(trades) != 1 {
		t.Errorf("expected only the buy trade, got %d", len(trades))
	}

	failed, _ := h.ledger.ListOrders(ctx, store.OrderFilter{Symbol: "AMD", Status: models.OrderFailed})
	if len(failed) != 1 || failed[0].CancelReason == "" {
		t.Errorf("expected one failed close order with a reason, got %+v", failed)
	}
}

func TestExecuteBuy_CallerCancelFailsEntryAndCancelsOrder(t *testing.T) {
	h := newHarness(t, false)
	h.paper.SetPrice("AMD", 150)
	h.paper.HoldFills(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.orders.ExecuteBuy(ctx, BuyParams{Symbol: "AMD", Shares: 10, Price: 150})
	if res.Success || !errors.Is(res.Err, errors.ErrNoFill) {
		t.Fatalf("expected no fill, got %+v", res)
	}

	if got := h.paper.Calls(broker.OpCancel); got != 1 {
		t.Errorf("expected the entry to be cancelled once, got %d", got)
	}
	if open := h.paper.OpenOrders(); len(open) != 0 {
		t.Errorf("entry left working on the exchange: %v", open)
	}

	bg := context.Background()
	failed, _ := h.ledger.ListOrders(bg, store.OrderFilter{Symbol: "AMD", Status: models.OrderFailed})
	if len(failed) != 1 || failed[0].Tag != models.TagEntry {
		t.Errorf("expected the entry row recorded failed, got %+v", failed)
	}
	if _, err := h.ledger.GetPosition(bg, "AMD"); !errors.Is(err, errors.ErrPositionNotFound) {
		t.Errorf("expected no position, got %v", err)
	}
}

func TestExecuteBuy_LockedPairRejected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.locks.LockPair(ctx, "META", 30, "cooldown", models.LockSideAny); err != nil {
		t.Fatalf("LockPair: %v", err)
	}

	res := h.orders.ExecuteBuy(ctx, BuyParams{Symbol: "META", Shares: 1, Price: 500})
	if res.Success || !errors.Is(res.Err, errors.ErrPairLocked) {
		t.Fatalf("expected pair locked, got %+v", res)
	}
}

// stopFailingClient rejects stop orders and, when flattenFails is set, every
// market order after the first rejection.
type stopFailingClient struct {
	*broker.PaperBroker
	flattenFails bool
}

func (c *stopFailingClient) PlaceStopOrder(ctx context.Context, req broker.StopOrderRequest) (*broker.PlacedOrder, error) {
	if c.flattenFails {
		c.PaperBroker.FailOn(broker.OpMarket, stderrors.New("exchange halted"))
	}
	return nil, stderrors.New("stop rejected")
}

func TestExecuteBuy_StopFailureFlattens(t *testing.T) {
	h := newHarnessWithClient(t, false, func(p *broker.PaperBroker) broker.Client {
		return &stopFailingClient{PaperBroker: p}
	})
	ctx := context.Background()
	h.paper.SetPrice("INTC", 30)

	res := h.orders.ExecuteBuy(ctx, BuyParams{Symbol: "INTC", Shares: 100, Price: 30})
	if res.Success {
		t.Fatal("buy without a stop should not succeed")
	}
	if res.Unprotected {
		t.Error("flattened position reported as unprotected")
	}

	if _, err := h.ledger.GetPosition(ctx, "INTC"); !errors.Is(err, errors.ErrPositionNotFound) {
		t.Errorf("flattened position should not exist, got %v", err)
	}
	trades, _ := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "INTC"})
	if len(trades) != 2 {
		t.Fatalf("expected buy and flatten trades, got %d", len(trades))
	}
	if h.paper.Calls(broker.OpMarket) != 2 {
		t.Errorf("expected entry and flatten market orders, got %d", h.paper.Calls(broker.OpMarket))
	}
}

func TestExecuteBuy_StopAndFlattenFailureLeavesUnprotected(t *testing.T) {
	h := newHarnessWithClient(t, false, func(p *broker.PaperBroker) broker.Client {
		return &stopFailingClient{PaperBroker: p, flattenFails: true}
	})
	ctx := context.Background()
	h.paper.SetPrice("INTC", 30)

	res := h.orders.ExecuteBuy(ctx, BuyParams{Symbol: "INTC", Shares: 100, Price: 30})
	if !res.Success || !res.Unprotected {
		t.Fatalf("expected success flagged unprotected, got %+v", res)
	}

	pos := h.position(t, "INTC")
	if pos.Protection != models.ProtectionUnprotected {
		t.Errorf("protection = %s, want unprotected", pos.Protection)
	}
	if pos.StopOrderID != "" {
		t.Errorf("unexpected stop order id %q", pos.StopOrderID)
	}

	unprotected, _ := h.ledger.ListPositions(ctx, store.PositionFilter{Protection: models.ProtectionUnprotected})
	if len(unprotected) != 1 {
		t.Errorf("expected one unprotected position, got %d", len(unprotected))
	}
}

func TestExecuteBuy_TakeProfitFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, false)
	h.paper.FailOn(broker.OpLimit, stderrors.New("limit rejected"))

	res := h.buy(t, "ORCL", 10, 120)
	if res.TakeProfitOrderID != "" || res.TakeProfitPrice != 0 {
		t.Errorf("take-profit should be absent, got %+v", res)
	}
	if res.StopOrderID == "" {
		t.Error("stop should still be placed")
	}
	if pos := h.position(t, "ORCL"); pos.Protection != models.ProtectionProtected {
		t.Errorf("protection = %s", pos.Protection)
	}
}

func TestRefreshPrices(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.buy(t, "AAPL", 10, 100)
	h.buy(t, "MSFT", 5, 200)

	h.paper.SetPrice("AAPL", 110)
	n, err := h.orders.RefreshPrices(ctx)
	if err != nil {
		t.Fatalf("RefreshPrices: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 repriced positions, got %d", n)
	}

	pos := h.position(t, "AAPL")
	if pos.CurrentPrice != 110 || !approxEqual(pos.UnrealizedPnLPct, 10) {
		t.Errorf("AAPL not repriced: %+v", pos)
	}
}
