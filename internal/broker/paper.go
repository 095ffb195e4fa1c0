package broker

import (
	"context"
	"fmt"
	"sync"

	"equity-trader/internal/models"
)

// Operation names accepted by FailOn and Calls.
const (
	OpMarket = "market"
	OpStop   = "stop"
	OpLimit  = "limit"
	OpGet    = "get"
	OpCancel = "cancel"
)

// PaperBroker is an in-memory exchange. Market orders fill at the last set
// price; stop and limit orders rest until cancelled. Fill latency and
// per-operation failures can be scripted for simulation and tests.
type PaperBroker struct {
	mu sync.Mutex

	cash    float64
	prices  map[string]float64
	orders  map[string]*paperOrder
	counter int

	fillAfterPolls int
	holdFills      bool
	failures       map[string]error
	calls          map[string]int
}

type paperOrder struct {
	status    OrderStatus
	ticker    string
	side      models.OrderSide
	orderType models.OrderType
	price     float64
	polls     int
}

var (
	_ Client      = (*PaperBroker)(nil)
	_ PriceSource = (*PaperBroker)(nil)
	_ CashSource  = (*PaperBroker)(nil)
)

// PaperConfig holds configuration for the paper exchange.
type PaperConfig struct {
	InitialCash float64
	// FillAfterPolls delays market fills until the order was polled this
	// many times. Zero fills on placement.
	FillAfterPolls int
}

// NewPaperBroker creates a new paper exchange.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	cash := cfg.InitialCash
	if cash == 0 {
		cash = 100000
	}
	return &PaperBroker{
		cash:           cash,
		prices:         make(map[string]float64),
		orders:         make(map[string]*paperOrder),
		fillAfterPolls: cfg.FillAfterPolls,
		failures:       make(map[string]error),
		calls:          make(map[string]int),
	}
}

// SetPrice sets the last traded price for a ticker.
func (p *PaperBroker) SetPrice(ticker string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[ticker] = price
}

// SetFillDelay sets how many polls a market order stays NEW before filling.
func (p *PaperBroker) SetFillDelay(polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillAfterPolls = polls
}

// HoldFills keeps market orders working indefinitely while hold is true.
func (p *PaperBroker) HoldFills(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdFills = hold
}

// FailOn makes every subsequent call to op return err. A nil err clears it.
func (p *PaperBroker) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// SetRemoteStatus overrides the reported state of an order.
func (p *PaperBroker) SetRemoteStatus(id string, status RemoteStatus, filledQty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper order %s not found", id)
	}
	o.status.Status = status
	o.status.FilledQuantity = filledQty
	o.status.FilledValue = filledQty * o.price
	return nil
}

// Calls returns how many times op was invoked, including failed calls.
func (p *PaperBroker) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// OpenOrders returns the ids of orders that are not terminal.
func (p *PaperBroker) OpenOrders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, o := range p.orders {
		if !o.status.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// PlaceMarketOrder places a market order.
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpMarket); err != nil {
		return nil, err
	}
	price, ok := p.prices[req.Ticker]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("paper: no price for %s", req.Ticker)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper: invalid quantity %v", req.Quantity)
	}
	if req.Side == models.OrderSideBuy && req.Quantity*price > p.cash {
		return nil, fmt.Errorf("paper: insufficient funds: need %.2f, have %.2f", req.Quantity*price, p.cash)
	}

	o := p.newOrder(req.Ticker, req.Side, models.OrderTypeMarket, req.Quantity, price)
	if p.fillAfterPolls == 0 && !p.holdFills {
		p.fill(o)
	}
	return &PlacedOrder{ID: o.status.ID}, nil
}

// PlaceStopOrder places a resting stop order.
func (p *PaperBroker) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpStop); err != nil {
		return nil, err
	}
	if req.StopPrice <= 0 {
		return nil, fmt.Errorf("paper: invalid stop price %v", req.StopPrice)
	}
	o := p.newOrder(req.Ticker, req.Side, models.OrderTypeStop, req.Quantity, req.StopPrice)
	return &PlacedOrder{ID: o.status.ID}, nil
}

// PlaceLimitOrder places a resting limit order.
func (p *PaperBroker) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpLimit); err != nil {
		return nil, err
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("paper: invalid limit price %v", req.LimitPrice)
	}
	o := p.newOrder(req.Ticker, req.Side, models.OrderTypeLimit, req.Quantity, req.LimitPrice)
	return &PlacedOrder{ID: o.status.ID}, nil
}

// GetOrder returns the order state. Each poll advances delayed market fills.
func (p *PaperBroker) GetOrder(ctx context.Context, id string) (*OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpGet); err != nil {
		return nil, err
	}
	o, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", id)
	}

	if o.orderType == models.OrderTypeMarket && !o.status.Status.IsTerminal() && !p.holdFills {
		o.polls++
		if o.polls >= p.fillAfterPolls {
			p.fill(o)
		}
	}

	status := o.status
	return &status, nil
}

// CancelOrder cancels a working order.
func (p *PaperBroker) CancelOrder(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpCancel); err != nil {
		return err
	}
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper order %s not found", id)
	}
	if o.status.Status.IsTerminal() {
		return fmt.Errorf("paper order %s already %s", id, o.status.Status)
	}
	o.status.Status = StatusCancelled
	return nil
}

// LatestPrice returns the last set price for a ticker.
func (p *PaperBroker) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("paper: no price for %s", ticker)
	}
	return price, nil
}

// AvailableCash returns uncommitted simulated cash.
func (p *PaperBroker) AvailableCash(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// enter records a call and returns any scripted failure. Caller holds mu.
func (p *PaperBroker) enter(op string) error {
	p.calls[op]++
	return p.failures[op]
}

func (p *PaperBroker) newOrder(ticker string, side models.OrderSide, t models.OrderType, qty, price float64) *paperOrder {
	p.counter++
	id := fmt.Sprintf("PAPER-%d", p.counter)
	o := &paperOrder{
		status: OrderStatus{
			ID:       id,
			Status:   StatusNew,
			Quantity: qty,
			Value:    qty * price,
		},
		ticker:    ticker,
		side:      side,
		orderType: t,
		price:     price,
	}
	p.orders[id] = o
	return o
}

// fill completes a market order at the current price. Caller holds mu.
func (p *PaperBroker) fill(o *paperOrder) {
	price := p.prices[o.ticker]
	if price <= 0 {
		price = o.price
	}
	o.status.Status = StatusFilled
	o.status.FilledQuantity = o.status.Quantity
	o.status.FilledValue = o.status.Quantity * price

	if o.side == models.OrderSideBuy {
		p.cash -= o.status.FilledValue
	} else {
		p.cash += o.status.FilledValue
	}
}
