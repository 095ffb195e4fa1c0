package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/config"
	"equity-trader/internal/errors"
)

// PollConfig bounds a polling wait.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// PollConfigFrom derives the fill-wait budget: one poll per interval, twice
// the timeout in seconds.
func PollConfigFrom(cfg config.ExecutionConfig) PollConfig {
	return PollConfig{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.FillTimeoutSeconds * 2,
	}
}

// Await calls poll until it reports done, the attempt budget runs out or ctx
// is cancelled. Poll errors are treated as transient. Exhausting the budget
// returns ErrFillTimeout.
func Await[T any](ctx context.Context, cfg PollConfig, poll func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, done, err := poll(ctx)
		if err == nil && done {
			return v, nil
		}
		lastErr = err

		if i < attempts-1 {
			if err := sleepCtx(ctx, cfg.Interval); err != nil {
				return zero, err
			}
		}
	}

	if lastErr != nil {
		return zero, fmt.Errorf("%w after %d polls: %v", errors.ErrFillTimeout, attempts, lastErr)
	}
	return zero, fmt.Errorf("%w after %d polls", errors.ErrFillTimeout, attempts)
}

// FillResult describes how a submitted order ended.
type FillResult struct {
	Filled   bool
	Price    float64
	Quantity float64
	Status   broker.RemoteStatus
}

// FillWaiter runs the fill-wait protocol against a brokerage client.
type FillWaiter struct {
	client broker.Client
	poll   PollConfig
	logger zerolog.Logger
}

// NewFillWaiter creates a fill waiter.
func NewFillWaiter(client broker.Client, poll PollConfig, logger zerolog.Logger) *FillWaiter {
	return &FillWaiter{client: client, poll: poll, logger: logger}
}

// AwaitFill blocks until the order with the given external id fills, ends
// without a fill, or the budget runs out. onPartial, when set, is told about
// each increase in partially filled quantity while the wait continues.
//
// On timeout or caller cancellation the order is cancelled, the latter on a
// detached context. When cancellation fails a final status check still
// honours a fill that landed in the gap. Every non-fill outcome wraps
// ErrNoFill; a timeout additionally wraps ErrFillTimeout.
func (w *FillWaiter) AwaitFill(ctx context.Context, externalID string, onPartial func(filledQty float64)) (FillResult, error) {
	lastPartial := 0.0

	type outcome struct {
		result FillResult
		dead   bool
	}

	out, err := Await(ctx, w.poll, func(ctx context.Context) (outcome, bool, error) {
		st, err := w.client.GetOrder(ctx, externalID)
		if err != nil {
			w.logger.Debug().Err(err).Str("external_id", externalID).Msg("Order status poll failed")
			return outcome{}, false, err
		}

		switch st.Status {
		case broker.StatusFilled:
			return outcome{result: filledResult(st)}, true, nil
		case broker.StatusCancelled, broker.StatusRejected:
			return outcome{result: FillResult{Status: st.Status}, dead: true}, true, nil
		}

		if st.FilledQuantity > lastPartial && st.FilledQuantity < st.Quantity {
			lastPartial = st.FilledQuantity
			w.logger.Info().
				Str("external_id", externalID).
				Float64("filled", st.FilledQuantity).
				Float64("requested", st.Quantity).
				Msg("Partial fill, still waiting")
			if onPartial != nil {
				onPartial(st.FilledQuantity)
			}
		}
		return outcome{}, false, nil
	})

	if err == nil {
		if out.dead {
			return out.result, fmt.Errorf("order %s %s: %w", externalID, out.result.Status, errors.ErrNoFill)
		}
		return out.result, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; the order must still come off the exchange.
		cctx, cancel := detach(ctx)
		defer cancel()
		return w.timeout(cctx, externalID, ctx.Err())
	}

	return w.timeout(ctx, externalID, err)
}

func (w *FillWaiter) timeout(ctx context.Context, externalID string, waitErr error) (FillResult, error) {
	cancelErr := w.client.CancelOrder(ctx, externalID)
	if cancelErr == nil {
		w.logger.Warn().Str("external_id", externalID).Msg("Fill wait ended, order cancelled")
		return FillResult{Status: broker.StatusCancelled}, fmt.Errorf("order %s: %w: %w", externalID, errors.ErrNoFill, waitErr)
	}

	w.logger.Warn().Err(cancelErr).Str("external_id", externalID).Msg("Fill wait ended and cancel failed, checking final status")
	st, err := w.client.GetOrder(ctx, externalID)
	if err == nil && st.Status == broker.StatusFilled {
		return filledResult(st), nil
	}
	return FillResult{}, fmt.Errorf("order %s: %w: %w", externalID, errors.ErrNoFill, waitErr)
}

func filledResult(st *broker.OrderStatus) FillResult {
	return FillResult{
		Filled:   true,
		Price:    st.FillPrice(),
		Quantity: st.FillQuantity(),
		Status:   broker.StatusFilled,
	}
}
