package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equity-trader/internal/config"
	"equity-trader/internal/errors"
	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// PartialExitEvaluation is the decision for one position.
type PartialExitEvaluation struct {
	ShouldExit   bool
	Tier         int // index into the configured tiers
	TierConfig   config.PartialExitTier
	SharesToSell float64
	Reason       string
}

// PartialExitManager scales out of winning positions in configured tiers.
type PartialExitManager struct {
	orders *OrderManager
	cfg    config.PartialExitConfig
	logger zerolog.Logger
}

// NewPartialExitManager creates a partial exit manager on top of an order manager.
func NewPartialExitManager(orders *OrderManager, cfg config.PartialExitConfig, logger zerolog.Logger) *PartialExitManager {
	return &PartialExitManager{
		orders: orders,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "partial_exit"),
	}
}

// EvaluatePosition decides whether the next untriggered tier should fire.
func (m *PartialExitManager) EvaluatePosition(pos *models.Position) PartialExitEvaluation {
	if !m.cfg.Enabled {
		return PartialExitEvaluation{Reason: "partial exits disabled"}
	}
	next := pos.PartialExits
	if next >= len(m.cfg.Tiers) {
		return PartialExitEvaluation{Reason: "all tiers triggered"}
	}

	tier := m.cfg.Tiers[next]
	gain := pos.UnrealizedPnLPct / 100
	if gain < tier.PctGain {
		return PartialExitEvaluation{Tier: next, TierConfig: tier,
			Reason: fmt.Sprintf("gain %.2f%% below tier %d threshold %.2f%%", pos.UnrealizedPnLPct, next+1, tier.PctGain*100)}
	}

	shares := math.Floor(pos.Shares * tier.SellPct)
	if shares <= 0 {
		return PartialExitEvaluation{Tier: next, TierConfig: tier, Reason: "tier sells less than one share"}
	}
	if shares >= pos.Shares {
		return PartialExitEvaluation{Tier: next, TierConfig: tier, Reason: "tier would sell the whole position"}
	}

	return PartialExitEvaluation{
		ShouldExit:   true,
		Tier:         next,
		TierConfig:   tier,
		SharesToSell: shares,
		Reason:       fmt.Sprintf("partial exit tier %d: gain %.2f%% >= %.2f%%, selling %.0f%%",
			next+1, pos.UnrealizedPnLPct, tier.PctGain*100, tier.SellPct*100),
	}
}

// ExecutePartialExit sells eval.SharesToSell of the position and keeps the rest open.
func (m *PartialExitManager) ExecutePartialExit(ctx context.Context, symbol string, eval PartialExitEvaluation) OrderResult {
	om := m.orders
	pos, err := om.ledger.GetPosition(ctx, symbol)
	if err != nil {
		return failure(symbol, err)
	}
	if eval.SharesToSell <= 0 || eval.SharesToSell >= pos.Shares {
		return failure(symbol, fmt.Errorf("%s: %w: partial exit of %v of %v shares", symbol, errors.ErrInvalidQuantity,
			eval.SharesToSell, pos.Shares))
	}

	intended := om.decisionPrice(ctx, pos)
	if om.cfg.DryRun {
		return m.dryRun(ctx, pos, eval, intended)
	}
	return m.live(ctx, pos, eval, intended)
}

func (m *PartialExitManager) dryRun(ctx context.Context, pos *models.Position, eval PartialExitEvaluation, intended float64) OrderResult {
	om := m.orders
	now := om.now()
	result := OrderResult{Symbol: pos.Symbol, Side: models.OrderSideSell, Shares: eval.SharesToSell, FillPrice: intended, DryRun: true}

	err := om.ledger.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		if eval.SharesToSell >= current.Shares {
			return fmt.Errorf("%s: %w: position shrank to %v shares", current.Symbol, errors.ErrInvalidQuantity, current.Shares)
		}

		trade := sellTrade(current, eval.SharesToSell, intended, intended, models.TagPartialExit, eval.Reason, now, true)
		order := om.newOrder(current.Symbol, current.Ticker, models.OrderSideSell, models.OrderTypeMarket, models.TagPartialExit,
			current.Segment, eval.SharesToSell, intended, now)
		order.ExternalID = dryRunID()
		order.TradeID = trade.ID
		if err := om.fillOrder(order, eval.SharesToSell, intended, now); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		reducePosition(current, eval.SharesToSell, intended, now)
		if err := m.resizeDryRunProtective(ctx, tx, current, m.movesToBreakeven(current.PartialExits), now); err != nil {
			return err
		}
		result.StopOrderID, result.StopLossPrice = current.StopOrderID, current.StopLossPrice
		result.TakeProfitOrderID = current.TakeProfitOrderID
		current.PartialExits++

		result.OrderID = order.ID
		result.ExternalID = order.ExternalID
		result.PnL, result.PnLPct = trade.PnL, trade.PnLPct
		return tx.UpdatePosition(ctx, current)
	})
	if err != nil {
		return failure(pos.Symbol, err)
	}

	logging.LogFill(m.logger, pos.Symbol, string(models.OrderSideSell), eval.SharesToSell, intended, true)
	result.Success = true
	return result
}

func (m *PartialExitManager) live(ctx context.Context, pos *models.Position, eval PartialExitEvaluation, intended float64) OrderResult {
	om := m.orders
	order := om.newOrder(pos.Symbol, pos.Ticker, models.OrderSideSell, models.OrderTypeMarket, models.TagPartialExit,
		pos.Segment, eval.SharesToSell, intended, om.now())
	if err := om.ledger.InsertOrder(ctx, order); err != nil {
		return failure(pos.Symbol, err)
	}

	// Protective orders cover the whole position. They come off before the
	// sell and go back on for whatever is held afterwards.
	cancelled := om.cancelProtective(ctx, pos)

	fill, err := om.submitMarket(ctx, order)
	ctx, cancel := detach(ctx)
	defer cancel()
	if err != nil {
		if len(cancelled) > 0 {
			m.replaceProtective(ctx, pos, cancelled, false, &OrderResult{})
		}
		return failure(pos.Symbol, err)
	}

	now := om.now()
	var updated *models.Position
	first := false
	trade := sellTrade(pos, fill.Quantity, intended, fill.Price, models.TagPartialExit, eval.Reason, now, false)
	err = om.ledger.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		order.TradeID = trade.ID
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if fill.Quantity >= current.Shares {
			// The exchange sold everything that was left.
			if err := om.cancelLocalProtective(ctx, tx, current.Symbol, cancelled, "position closed", now); err != nil {
				return err
			}
			return tx.DeletePosition(ctx, current.Symbol)
		}
		reducePosition(current, fill.Quantity, fill.Price, now)
		first = m.movesToBreakeven(current.PartialExits)
		current.PartialExits++
		updated = current
		return tx.UpdatePosition(ctx, current)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Filled partial exit could not be recorded")
		return failure(pos.Symbol, err)
	}

	result := OrderResult{
		Success:    true,
		Symbol:     pos.Symbol,
		Side:       models.OrderSideSell,
		OrderID:    order.ID,
		ExternalID: order.ExternalID,
		Shares:     fill.Quantity,
		FillPrice:  fill.Price,
		PnL:        trade.PnL,
		PnLPct:     trade.PnLPct,
		Slippage:   trade.Slippage,
	}

	if updated != nil {
		m.replaceProtective(ctx, updated, cancelled, first, &result)
	}
	return result
}

// movesToBreakeven reports whether an exit taken after priorExits earlier
// ones should move the stop.
func (m *PartialExitManager) movesToBreakeven(priorExits int) bool {
	return m.cfg.MoveStopToBreakeven && priorExits == 0
}

// replaceProtective places new exchange orders sized to pos.Shares for the
// protective orders in cancelled, moving the stop to the entry price when
// breakeven is set. A stop whose cancel failed stays as it is. Failures never
// undo the partial exit.
func (m *PartialExitManager) replaceProtective(ctx context.Context, pos *models.Position, cancelled map[string]bool,
	breakeven bool, result *OrderResult) {
	om := m.orders
	log := m.logger.With().Str("symbol", pos.Symbol).Logger()

	stopID, stopLoss := pos.StopOrderID, pos.StopLossPrice
	tpID, protection := pos.TakeProfitOrderID, pos.Protection
	if breakeven {
		stopLoss = pos.EntryPrice
	}

	needStop := cancelled[pos.StopOrderID] || (pos.StopOrderID == "" && breakeven)
	if cancelled[pos.StopOrderID] {
		stopID, protection = "", models.ProtectionUnprotected
	} else if pos.StopOrderID != "" {
		log.Warn().Str("external_id", pos.StopOrderID).Msg("Old stop cancel failed, keeping it")
	}

	if needStop && stopLoss > 0 {
		// The exchange can reject a stop placed immediately after the fill.
		if err := sleepCtx(ctx, om.cfg.StopSettlementDelay); err != nil {
			log.Warn().Err(err).Msg("Settlement delay interrupted")
		}
		stop, err := om.placeStop(ctx, pos.Symbol, pos.Ticker, pos.Segment, pos.Shares, stopLoss)
		if err != nil {
			logging.LogUnprotected(log, pos.Symbol, pos.Shares, fmt.Errorf("resized stop: %w", err))
			result.Unprotected = true
		} else {
			stopID = stop.ExternalID
			protection = models.ProtectionProtected
		}
	}

	if cancelled[pos.TakeProfitOrderID] {
		tpID = ""
		if pos.TakeProfitPrice > 0 {
			tp, err := om.placeTakeProfit(ctx, pos.Symbol, pos.Ticker, pos.Segment, pos.Shares, pos.TakeProfitPrice)
			if err != nil {
				log.Warn().Err(err).Msg("Resized take-profit placement failed, continuing without it")
			} else {
				tpID = tp.ExternalID
			}
		}
	}

	err := om.ledger.InTx(ctx, func(tx store.Tx) error {
		if err := om.cancelLocalProtective(ctx, tx, pos.Symbol, cancelled, "resized after partial exit", om.now()); err != nil {
			return err
		}
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		current.StopOrderID, current.TakeProfitOrderID = stopID, tpID
		current.Protection = protection
		if stopID != "" {
			current.StopLossPrice = stopLoss
		}
		current.UpdatedAt = om.now()
		return tx.UpdatePosition(ctx, current)
	})
	if err != nil {
		log.Error().Err(err).Msg("Resized protective orders not recorded on position")
	}

	result.StopOrderID, result.TakeProfitOrderID = stopID, tpID
	if stopID != "" {
		result.StopLossPrice = stopLoss
	}
}

// resizeDryRunProtective swaps the simulated protective rows for ones sized to
// pos.Shares inside tx.
func (m *PartialExitManager) resizeDryRunProtective(ctx context.Context, tx store.Tx, pos *models.Position, breakeven bool, at time.Time) error {
	om := m.orders
	if err := om.cancelLocalProtective(ctx, tx, pos.Symbol, nil, "resized after partial exit", at); err != nil {
		return err
	}
	if breakeven {
		pos.StopLossPrice = pos.EntryPrice
	}

	pos.StopOrderID = ""
	if pos.StopLossPrice > 0 {
		stop := om.newOrder(pos.Symbol, pos.Ticker, models.OrderSideSell, models.OrderTypeStop, models.TagStopLoss,
			pos.Segment, pos.Shares, 0, at)
		stop.Status = models.OrderOpen
		stop.ExternalID = dryRunID()
		stop.StopPrice = pos.StopLossPrice
		if err := tx.InsertOrder(ctx, stop); err != nil {
			return err
		}
		pos.StopOrderID = stop.ExternalID
	}

	pos.TakeProfitOrderID = ""
	if pos.TakeProfitPrice > 0 {
		tp := om.newOrder(pos.Symbol, pos.Ticker, models.OrderSideSell, models.OrderTypeLimit, models.TagTakeProfit,
			pos.Segment, pos.Shares, 0, at)
		tp.Status = models.OrderOpen
		tp.ExternalID = dryRunID()
		tp.LimitPrice = pos.TakeProfitPrice
		if err := tx.InsertOrder(ctx, tp); err != nil {
			return err
		}
		pos.TakeProfitOrderID = tp.ExternalID
	}
	return nil
}

// reducePosition removes sold shares and scales invested capital to the
// remainder. Entry price is unchanged by a sale.
func reducePosition(pos *models.Position, sold, price float64, at time.Time) {
	remaining := decimal.NewFromFloat(pos.Shares).Sub(decimal.NewFromFloat(sold))
	if pos.Shares > 0 {
		pos.InvestedCapital = decimal.NewFromFloat(pos.InvestedCapital).
			Mul(remaining).
			Div(decimal.NewFromFloat(pos.Shares)).
			Round(4).InexactFloat64()
	}
	pos.Shares = remaining.InexactFloat64()
	pos.Reprice(price, at)
}
