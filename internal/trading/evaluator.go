package trading

import (
	"context"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/logging"
	"equity-trader/internal/store"
)

// SweepResult summarizes one evaluation pass.
type SweepResult struct {
	Evaluated    int
	PartialExits int
	DCABuys      int
	Errors       int
}

// Evaluator runs the scale-out and cost-averaging checks over open positions.
type Evaluator struct {
	orders  *OrderManager
	partial *PartialExitManager
	dca     *DCAManager
	cash    broker.CashSource
	logger  zerolog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(orders *OrderManager, partial *PartialExitManager, dca *DCAManager, cash broker.CashSource, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		orders:  orders,
		partial: partial,
		dca:     dca,
		cash:    cash,
		logger:  logging.WithComponent(logger, "evaluator"),
	}
}

// Sweep refreshes prices, then evaluates each position in turn: partial exit
// first, then cost-averaging against the reloaded position.
func (e *Evaluator) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if _, err := e.orders.RefreshPrices(ctx); err != nil {
		return result, err
	}
	positions, err := e.orders.ledger.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return result, err
	}

	for i := range positions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		symbol := positions[i].Symbol
		log := logging.WithSymbol(e.logger, symbol)
		result.Evaluated++

		if eval := e.partial.EvaluatePosition(&positions[i]); eval.ShouldExit {
			res := e.partial.ExecutePartialExit(ctx, symbol, eval)
			if res.Success {
				result.PartialExits++
			} else {
				result.Errors++
				log.Warn().Str("reason", res.Reason).Msg("Partial exit failed")
			}
		}

		pos, err := e.orders.ledger.GetPosition(ctx, symbol)
		if err != nil {
			// Closed by the partial exit.
			continue
		}
		cash, err := e.cash.AvailableCash(ctx)
		if err != nil {
			result.Errors++
			log.Warn().Err(err).Msg("Cash lookup failed, skipping dca")
			continue
		}
		eval, err := e.dca.EvaluatePosition(ctx, symbol, pos.CurrentPrice, pos, cash)
		if err != nil {
			result.Errors++
			log.Warn().Err(err).Msg("DCA evaluation failed")
			continue
		}
		if !eval.ShouldBuy {
			log.Debug().Str("reason", eval.Reason).Msg("No dca")
			continue
		}
		res := e.dca.ExecuteDCA(ctx, symbol, eval)
		switch {
		case res.Success:
			result.DCABuys++
		case res.Err != nil:
			result.Errors++
			log.Warn().Str("reason", res.Reason).Msg("DCA buy failed")
		default:
			log.Info().Str("reason", res.Reason).Msg("DCA skipped")
		}
	}

	e.logger.Info().
		Int("evaluated", result.Evaluated).
		Int("partial_exits", result.PartialExits).
		Int("dca_buys", result.DCABuys).
		Int("errors", result.Errors).
		Msg("Evaluation sweep complete")
	return result, nil
}
