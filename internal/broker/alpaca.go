package broker

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"equity-trader/internal/models"
	"equity-trader/pkg/utils"
)

// AlpacaConfig holds Alpaca API credentials.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaClient implements Client, CashSource and PriceSource on the Alpaca
// trading and market data APIs.
type AlpacaClient struct {
	trade *alpaca.Client
	data  *marketdata.Client
	retry utils.RetryConfig
}

var (
	_ Client      = (*AlpacaClient)(nil)
	_ CashSource  = (*AlpacaClient)(nil)
	_ PriceSource = (*AlpacaClient)(nil)
)

// NewAlpacaClient creates a new Alpaca-backed brokerage client.
func NewAlpacaClient(cfg AlpacaConfig) *AlpacaClient {
	return &AlpacaClient{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		retry: utils.DefaultRetryConfig(),
	}
}

// PlaceMarketOrder submits a market order.
func (c *AlpacaClient) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlacedOrder, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	return c.place(alpaca.PlaceOrderRequest{
		Symbol:      req.Ticker,
		Qty:         &qty,
		Side:        alpacaSide(req.Side),
		Type:        alpaca.Market,
		TimeInForce: alpacaValidity(req.TimeValidity),
	})
}

// PlaceStopOrder submits a stop order.
func (c *AlpacaClient) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*PlacedOrder, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	stop := decimal.NewFromFloat(req.StopPrice).Round(2)
	return c.place(alpaca.PlaceOrderRequest{
		Symbol:      req.Ticker,
		Qty:         &qty,
		Side:        alpacaSide(req.Side),
		Type:        alpaca.Stop,
		StopPrice:   &stop,
		TimeInForce: alpacaValidity(req.TimeValidity),
	})
}

// PlaceLimitOrder submits a limit order.
func (c *AlpacaClient) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlacedOrder, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	limit := decimal.NewFromFloat(req.LimitPrice).Round(2)
	return c.place(alpaca.PlaceOrderRequest{
		Symbol:      req.Ticker,
		Qty:         &qty,
		Side:        alpacaSide(req.Side),
		Type:        alpaca.Limit,
		LimitPrice:  &limit,
		TimeInForce: alpacaValidity(req.TimeValidity),
	})
}

func (c *AlpacaClient) place(req alpaca.PlaceOrderRequest) (*PlacedOrder, error) {
	o, err := c.trade.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca place %s %s: %w", req.Type, req.Symbol, err)
	}
	return &PlacedOrder{ID: o.ID}, nil
}

// GetOrder fetches the current state of an order.
func (c *AlpacaClient) GetOrder(ctx context.Context, id string) (*OrderStatus, error) {
	o, err := c.trade.GetOrder(id)
	if err != nil {
		return nil, fmt.Errorf("alpaca get order %s: %w", id, err)
	}
	return mapAlpacaOrder(o), nil
}

// CancelOrder cancels an open order.
func (c *AlpacaClient) CancelOrder(ctx context.Context, id string) error {
	if err := c.trade.CancelOrder(id); err != nil {
		return fmt.Errorf("alpaca cancel order %s: %w", id, err)
	}
	return nil
}

// AvailableCash returns the account's non-marginable buying power.
func (c *AlpacaClient) AvailableCash(ctx context.Context) (float64, error) {
	acct, err := utils.RetryWithResult(ctx, c.retry, func() (*alpaca.Account, error) {
		return c.trade.GetAccount()
	})
	if err != nil {
		return 0, fmt.Errorf("alpaca get account: %w", err)
	}
	return acct.Cash.InexactFloat64(), nil
}

// LatestPrice returns the last traded price for a ticker.
func (c *AlpacaClient) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	trade, err := utils.RetryWithResult(ctx, c.retry, func() (*marketdata.Trade, error) {
		return c.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return 0, fmt.Errorf("alpaca latest trade %s: %w", ticker, err)
	}
	if trade == nil {
		return 0, fmt.Errorf("alpaca latest trade %s: no trade", ticker)
	}
	return trade.Price, nil
}

func alpacaSide(side models.OrderSide) alpaca.Side {
	if side == models.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaValidity(v models.TimeValidity) alpaca.TimeInForce {
	if v == models.ValidityDay {
		return alpaca.Day
	}
	return alpaca.GTC
}

// mapAlpacaOrder translates Alpaca's order lifecycle into RemoteStatus.
func mapAlpacaOrder(o *alpaca.Order) *OrderStatus {
	status := &OrderStatus{
		ID:             o.ID,
		Status:         mapAlpacaStatus(o.Status),
		FilledQuantity: o.FilledQty.InexactFloat64(),
	}
	if o.Qty != nil {
		status.Quantity = o.Qty.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		status.FilledValue = o.FilledQty.Mul(*o.FilledAvgPrice).InexactFloat64()
	}
	if o.Qty != nil && o.LimitPrice != nil {
		status.Value = o.Qty.Mul(*o.LimitPrice).InexactFloat64()
	} else if o.Notional != nil {
		status.Value = o.Notional.InexactFloat64()
	}
	return status
}

func mapAlpacaStatus(s string) RemoteStatus {
	switch s {
	case "filled":
		return StatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return StatusCancelled
	case "rejected", "suspended":
		return StatusRejected
	case "new", "pending_new", "accepted", "accepted_for_bidding":
		return StatusNew
	default:
		// partially_filled, pending_cancel, pending_replace, held, calculated, stopped
		return StatusWorking
	}
}
