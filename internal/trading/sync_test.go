package trading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/errors"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

func TestSyncOpenOrders_MapsRemoteStatus(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := time.Now().UTC()

	h.paper.SetPrice("FILL", 50)
	filled := placeMarket(t, h.paper, "FILL", 2)
	resting := func(ticker string) string {
		placed, err := h.paper.PlaceStopOrder(ctx, broker.StopOrderRequest{
			Ticker: ticker, Side: models.OrderSideSell, Quantity: 10, StopPrice: 40, TimeValidity: models.ValidityGTC,
		})
		if err != nil {
			t.Fatalf("PlaceStopOrder: %v", err)
		}
		return placed.ID
	}
	cancelled, promoted, partial, rejected := resting("CXL"), resting("NEW"), resting("PART"), resting("REJ")
	h.paper.SetRemoteStatus(cancelled, broker.StatusCancelled, 0)
	h.paper.SetRemoteStatus(partial, broker.StatusWorking, 3)
	h.paper.SetRemoteStatus(rejected, broker.StatusRejected, 0)

	orders := map[string]*models.Order{
		"stale":     {Status: models.OrderPending, CreatedAt: now.Add(-10 * time.Minute)},
		"fresh":     {Status: models.OrderPending, CreatedAt: now},
		"filled":    {Status: models.OrderOpen, ExternalID: filled},
		"cancelled": {Status: models.OrderOpen, ExternalID: cancelled},
		"promoted":  {Status: models.OrderPending, ExternalID: promoted},
		"partial":   {Status: models.OrderOpen, ExternalID: partial},
		"rejected":  {Status: models.OrderPending, ExternalID: rejected},
		"missing":   {Status: models.OrderOpen, ExternalID: "PAPER-999"},
		"dryrun":    {Status: models.OrderOpen, ExternalID: dryRunID()},
	}
	for name, o := range orders {
		o.ID = name
		o.Symbol = name
		o.Ticker = name
		o.Side = models.OrderSideSell
		o.Type = models.OrderTypeStop
		o.Tag = models.TagStopLoss
		o.RequestedQty = 10
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = o.CreatedAt
		if err := h.ledger.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder(%s): %v", name, err)
		}
	}

	sync := NewOrderSynchronizer(h.ledger, h.paper, nil, zerolog.Nop())
	res, err := sync.SyncOpenOrders(ctx)
	if err != nil {
		t.Fatalf("SyncOpenOrders: %v", err)
	}

	want := SyncResult{Checked: 8, Updated: 6, Filled: 1, Cancelled: 1, Failed: 2, Stale: 1, Errors: 1}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}

	expect := map[string]models.OrderStatus{
		"stale":     models.OrderFailed,
		"fresh":     models.OrderPending,
		"filled":    models.OrderFilled,
		"cancelled": models.OrderCancelled,
		"promoted":  models.OrderOpen,
		"partial":   models.OrderPartiallyFilled,
		"rejected":  models.OrderFailed,
		"missing":   models.OrderOpen,
		"dryrun":    models.OrderOpen,
	}
	for id, status := range expect {
		o, err := h.ledger.GetOrder(ctx, id)
		if err != nil {
			t.Fatalf("GetOrder(%s): %v", id, err)
		}
		if o.Status != status {
			t.Errorf("%s: status = %s, want %s", id, o.Status, status)
		}
	}

	f, _ := h.ledger.GetOrder(ctx, "filled")
	if f.FilledPrice != 50 || f.FilledQty != 2 || f.FilledAt == nil {
		t.Errorf("fill details not recorded: %+v", f)
	}
	p, _ := h.ledger.GetOrder(ctx, "partial")
	if p.FilledQty != 3 {
		t.Errorf("partial quantity = %v, want 3", p.FilledQty)
	}

	again, err := sync.SyncOpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Updated != 0 {
		t.Errorf("second pass should be a no-op, updated %d", again.Updated)
	}
}

func orderByExternalID(t *testing.T, h *harness, symbol, externalID string) *models.Order {
	t.Helper()
	orders, err := h.ledger.ListOrders(context.Background(), store.OrderFilter{Symbol: symbol})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	for i := range orders {
		if orders[i].ExternalID == externalID {
			return &orders[i]
		}
	}
	return nil
}

// closeRecorder is a gate that admits everything and remembers closes.
type closeRecorder struct {
	reasons []string
	pnlPct  []float64
}

func (g *closeRecorder) CanTrade(ctx context.Context, symbol string) (bool, string) { return true, "" }

func (g *closeRecorder) EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64) {
	g.reasons = append(g.reasons, exitReason)
	g.pnlPct = append(g.pnlPct, pnlPct)
}

func TestSyncOpenOrders_StopFillClosesPosition(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	buy := h.buy(t, "AAPL", 100, 100)

	if err := h.paper.SetRemoteStatus(buy.StopOrderID, broker.StatusFilled, 100); err != nil {
		t.Fatal(err)
	}

	gate := &closeRecorder{}
	res, err := NewOrderSynchronizer(h.ledger, h.paper, gate, zerolog.Nop()).SyncOpenOrders(ctx)
	if err != nil {
		t.Fatalf("SyncOpenOrders: %v", err)
	}
	if res.Filled != 1 || res.Errors != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := h.ledger.GetPosition(ctx, "AAPL"); !errors.Is(err, errors.ErrPositionNotFound) {
		t.Errorf("position should be closed, got %v", err)
	}

	sells, _ := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL", Side: models.OrderSideSell})
	if len(sells) != 1 {
		t.Fatalf("expected one sell trade, got %d", len(sells))
	}
	if sells[0].ExitTag != models.TagStopLoss || sells[0].Shares != 100 || sells[0].ExitPrice != 95 {
		t.Errorf("unexpected sell trade %+v", sells[0])
	}

	stop := orderByExternalID(t, h, "AAPL", buy.StopOrderID)
	if stop == nil || stop.Status != models.OrderFilled || stop.TradeID != sells[0].ID {
		t.Errorf("stop order not linked to its trade: %+v", stop)
	}
	tp := orderByExternalID(t, h, "AAPL", buy.TakeProfitOrderID)
	if tp == nil || tp.Status != models.OrderCancelled {
		t.Errorf("sibling take-profit should be cancelled locally: %+v", tp)
	}
	if got := h.paper.Calls(broker.OpCancel); got != 1 {
		t.Errorf("expected the sibling cancelled on the exchange once, got %d", got)
	}
	if open := h.paper.OpenOrders(); len(open) != 0 {
		t.Errorf("orders left working: %v", open)
	}

	if len(gate.reasons) != 1 || ClassifyExitReason(gate.reasons[0]) != models.TagStopLoss || !approxEqual(gate.pnlPct[0], -5) {
		t.Errorf("gate not told about the stop-loss close: %v %v", gate.reasons, gate.pnlPct)
	}

	again, err := NewOrderSynchronizer(h.ledger, h.paper, gate, zerolog.Nop()).SyncOpenOrders(ctx)
	if err != nil || again.Updated != 0 {
		t.Errorf("second pass should be a no-op: %+v %v", again, err)
	}
}

func TestSyncOpenOrders_TakeProfitFillCancelsStop(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	buy := h.buy(t, "MSFT", 10, 100)

	if err := h.paper.SetRemoteStatus(buy.TakeProfitOrderID, broker.StatusFilled, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := NewOrderSynchronizer(h.ledger, h.paper, nil, zerolog.Nop()).SyncOpenOrders(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ledger.GetPosition(ctx, "MSFT"); !errors.Is(err, errors.ErrPositionNotFound) {
		t.Errorf("position should be closed, got %v", err)
	}
	sells, _ := h.ledger.ListTrades(ctx, store.TradeFilter{Symbol: "MSFT", Side: models.OrderSideSell})
	if len(sells) != 1 || sells[0].ExitTag != models.TagTakeProfit || sells[0].ExitPrice != 110 {
		t.Errorf("unexpected sell trades %+v", sells)
	}
	stop := orderByExternalID(t, h, "MSFT", buy.StopOrderID)
	if stop == nil || stop.Status != models.OrderCancelled {
		t.Errorf("sibling stop should be cancelled: %+v", stop)
	}
	if open := h.paper.OpenOrders(); len(open) != 0 {
		t.Errorf("orders left working: %v", open)
	}
}
