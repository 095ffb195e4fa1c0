package security

import (
	"context"
	"strings"

	"equity-trader/internal/broker"
	"equity-trader/internal/models"
)

// AuditedClient records every order submission and cancellation sent
// through the wrapped client. Status queries are not audited.
type AuditedClient struct {
	inner broker.Client
	audit *AuditLogger
}

var _ broker.Client = (*AuditedClient)(nil)

// NewAuditedClient wraps inner with an audit trail.
func NewAuditedClient(inner broker.Client, audit *AuditLogger) *AuditedClient {
	return &AuditedClient{inner: inner, audit: audit}
}

// PlaceMarketOrder forwards to the wrapped client.
func (c *AuditedClient) PlaceMarketOrder(ctx context.Context, req broker.MarketOrderRequest) (*broker.PlacedOrder, error) {
	placed, err := c.inner.PlaceMarketOrder(ctx, req)
	c.audit.LogOrderPlaced(ctx, placedID(placed), req.Ticker, sideOf(req.Side), "market", req.Quantity, 0, err)
	return placed, err
}

// PlaceStopOrder forwards to the wrapped client.
func (c *AuditedClient) PlaceStopOrder(ctx context.Context, req broker.StopOrderRequest) (*broker.PlacedOrder, error) {
	placed, err := c.inner.PlaceStopOrder(ctx, req)
	c.audit.LogOrderPlaced(ctx, placedID(placed), req.Ticker, sideOf(req.Side), "stop", req.Quantity, req.StopPrice, err)
	return placed, err
}

// PlaceLimitOrder forwards to the wrapped client.
func (c *AuditedClient) PlaceLimitOrder(ctx context.Context, req broker.LimitOrderRequest) (*broker.PlacedOrder, error) {
	placed, err := c.inner.PlaceLimitOrder(ctx, req)
	c.audit.LogOrderPlaced(ctx, placedID(placed), req.Ticker, sideOf(req.Side), "limit", req.Quantity, req.LimitPrice, err)
	return placed, err
}

// GetOrder forwards to the wrapped client.
func (c *AuditedClient) GetOrder(ctx context.Context, id string) (*broker.OrderStatus, error) {
	return c.inner.GetOrder(ctx, id)
}

// CancelOrder forwards to the wrapped client.
func (c *AuditedClient) CancelOrder(ctx context.Context, id string) error {
	err := c.inner.CancelOrder(ctx, id)
	c.audit.LogOrderCancelled(ctx, id, err)
	return err
}

func placedID(p *broker.PlacedOrder) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func sideOf(s models.OrderSide) string {
	return strings.ToLower(string(s))
}
