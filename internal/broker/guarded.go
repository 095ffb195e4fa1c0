package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"equity-trader/internal/errors"
	"equity-trader/internal/logging"
	"equity-trader/internal/resilience"
)

// GuardedClient wraps a Client with a circuit breaker, an optional request
// throttle and call logging. Calls rejected by an open circuit fail with
// errors.ErrBrokerUnavailable.
type GuardedClient struct {
	inner   Client
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ Client = (*GuardedClient)(nil)

// NewGuardedClient creates a breaker-guarded client.
func NewGuardedClient(inner Client, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *GuardedClient {
	return &GuardedClient{
		inner:   inner,
		breaker: breaker,
		logger:  logging.WithComponent(logger, "broker"),
	}
}

// WithRateLimit throttles calls to perSec with the given burst. A
// non-positive rate removes the throttle.
func (g *GuardedClient) WithRateLimit(perSec float64, burst int) *GuardedClient {
	if perSec <= 0 {
		g.limiter = nil
		return g
	}
	if burst < 1 {
		burst = 1
	}
	g.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	return g
}

// PlaceMarketOrder forwards to the wrapped client.
func (g *GuardedClient) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlacedOrder, error) {
	return guard(ctx, g, "place_market", func(ctx context.Context) (*PlacedOrder, error) {
		return g.inner.PlaceMarketOrder(ctx, req)
	})
}

// PlaceStopOrder forwards to the wrapped client.
func (g *GuardedClient) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*PlacedOrder, error) {
	return guard(ctx, g, "place_stop", func(ctx context.Context) (*PlacedOrder, error) {
		return g.inner.PlaceStopOrder(ctx, req)
	})
}

// PlaceLimitOrder forwards to the wrapped client.
func (g *GuardedClient) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlacedOrder, error) {
	return guard(ctx, g, "place_limit", func(ctx context.Context) (*PlacedOrder, error) {
		return g.inner.PlaceLimitOrder(ctx, req)
	})
}

// GetOrder forwards to the wrapped client.
func (g *GuardedClient) GetOrder(ctx context.Context, id string) (*OrderStatus, error) {
	return guard(ctx, g, "get_order", func(ctx context.Context) (*OrderStatus, error) {
		return g.inner.GetOrder(ctx, id)
	})
}

// CancelOrder forwards to the wrapped client.
func (g *GuardedClient) CancelOrder(ctx context.Context, id string) error {
	_, err := guard(ctx, g, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, id)
	})
	return err
}

func guard[T any](ctx context.Context, g *GuardedClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, errors.NewBrokerError(op, "throttled", err)
		}
	}
	start := time.Now()
	v, err := resilience.ExecuteWithResult(ctx, g.breaker, fn)
	logging.LogAPICall(g.logger, op, time.Since(start), err)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return v, errors.NewBrokerError(op, "circuit open", errors.ErrBrokerUnavailable)
	}
	return v, err
}
