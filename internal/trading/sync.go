package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/errors"
	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// staleAfter is how long an order may stay pending without reaching the exchange.
const staleAfter = 5 * time.Minute

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Checked   int
	Updated   int
	Filled    int
	Cancelled int
	Failed    int
	Stale     int
	Errors    int
}

// OrderSynchronizer reconciles locally open orders with the exchange. A
// stop-loss or take-profit found filled closes its position.
type OrderSynchronizer struct {
	ledger store.Ledger
	client broker.Client
	gate   TradeGate
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrderSynchronizer creates an order synchronizer. gate may be nil.
func NewOrderSynchronizer(ledger store.Ledger, client broker.Client, gate TradeGate, logger zerolog.Logger) *OrderSynchronizer {
	return &OrderSynchronizer{
		ledger: ledger,
		client: client,
		gate:   gate,
		logger: logging.WithComponent(logger, "sync"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SyncOpenOrders runs one best-effort pass over every non-terminal order.
// A failure on one order is counted and the pass continues.
func (s *OrderSynchronizer) SyncOpenOrders(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	orders, err := s.ledger.ListOpenOrders(ctx)
	if err != nil {
		return result, err
	}

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		o := &orders[i]
		if IsDryRunID(o.ExternalID) {
			continue
		}
		result.Checked++

		changed, err := s.syncOrder(ctx, o, &result)
		if err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("Order sync failed")
			continue
		}
		if changed {
			result.Updated++
		}
	}

	s.logger.Info().
		Int("checked", result.Checked).
		Int("updated", result.Updated).
		Int("filled", result.Filled).
		Int("errors", result.Errors).
		Msg("Order sync complete")
	return result, nil
}

func (s *OrderSynchronizer) syncOrder(ctx context.Context, o *models.Order, result *SyncResult) (bool, error) {
	now := s.now()
	from := o.Status

	if o.ExternalID == "" {
		if o.Status != models.OrderPending || now.Sub(o.CreatedAt) <= staleAfter {
			return false, nil
		}
		o.CancelReason = "stale: never reached the exchange"
		if err := o.Transition(models.OrderFailed, now); err != nil {
			return false, err
		}
		result.Stale++
		result.Failed++
		return true, s.save(ctx, o, from)
	}

	remote, err := s.client.GetOrder(ctx, o.ExternalID)
	if err != nil {
		return false, err
	}

	switch remote.Status {
	case broker.StatusFilled:
		o.FilledQty = remote.FillQuantity()
		o.FilledPrice = remote.FillPrice()
		if err := s.promote(o, now); err != nil {
			return false, err
		}
		if err := o.Transition(models.OrderFilled, now); err != nil {
			return false, err
		}
		result.Filled++
		if o.Tag == models.TagStopLoss || o.Tag == models.TagTakeProfit {
			return true, s.closeOnProtectiveFill(ctx, o, from)
		}

	case broker.StatusCancelled:
		if err := s.promote(o, now); err != nil {
			return false, err
		}
		o.CancelReason = "cancelled on exchange"
		if err := o.Transition(models.OrderCancelled, now); err != nil {
			return false, err
		}
		result.Cancelled++

	case broker.StatusRejected:
		o.CancelReason = "rejected by exchange"
		if err := o.Transition(models.OrderFailed, now); err != nil {
			return false, err
		}
		result.Failed++

	default:
		if remote.FilledQuantity > 0 && remote.FilledQuantity < o.RequestedQty {
			if o.Status == models.OrderPartiallyFilled && o.FilledQty == remote.FilledQuantity {
				return false, nil
			}
			if err := s.promote(o, now); err != nil {
				return false, err
			}
			o.FilledQty = remote.FilledQuantity
			if err := o.Transition(models.OrderPartiallyFilled, now); err != nil {
				return false, err
			}
		} else if o.Status == models.OrderPending {
			if err := o.Transition(models.OrderOpen, now); err != nil {
				return false, err
			}
		} else {
			return false, nil
		}
	}

	return true, s.save(ctx, o, from)
}

// closeOnProtectiveFill records an exchange-side stop-loss or take-profit
// fill. The order, the SELL trade and the position removal commit together;
// the sibling protective order is then cancelled on the exchange and the
// close is reported to the gate. A fill that no longer matches the
// position's protective orders only updates the order row.
func (s *OrderSynchronizer) closeOnProtectiveFill(ctx context.Context, o *models.Order, from models.OrderStatus) error {
	now := s.now()
	reason := "stop-loss filled on exchange"
	trigger := o.StopPrice
	if o.Tag == models.TagTakeProfit {
		reason = "take-profit filled on exchange"
		trigger = o.LimitPrice
	}
	log := s.logger.With().Str("symbol", o.Symbol).Str("external_id", o.ExternalID).Logger()

	var trade *models.Trade
	sibling := ""
	closed, unprotected := false, false
	remaining := 0.0
	err := s.ledger.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, o.Symbol)
		if errors.Is(err, errors.ErrPositionNotFound) {
			return tx.UpdateOrder(ctx, o)
		}
		if err != nil {
			return err
		}
		switch o.ExternalID {
		case pos.StopOrderID:
			sibling = pos.TakeProfitOrderID
		case pos.TakeProfitOrderID:
			sibling = pos.StopOrderID
		default:
			log.Warn().Msg("Filled protective order is not the position's current one")
			return tx.UpdateOrder(ctx, o)
		}

		qty := o.FilledQty
		if qty <= 0 || qty > pos.Shares {
			qty = pos.Shares
		}
		price := o.FilledPrice
		if price <= 0 {
			price = trigger
		}
		trade = sellTrade(pos, qty, trigger, price, o.Tag, reason, now, false)
		o.TradeID = trade.ID
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		if qty < pos.Shares {
			// The exchange sold less than is held; keep the remainder unprotected.
			reducePosition(pos, qty, price, now)
			if o.ExternalID == pos.StopOrderID {
				pos.StopOrderID = ""
				pos.Protection = models.ProtectionUnprotected
				unprotected = true
			} else {
				pos.TakeProfitOrderID = ""
			}
			sibling, remaining = "", pos.Shares
			return tx.UpdatePosition(ctx, pos)
		}

		closed = true
		if sibling != "" {
			if err := cancelProtectiveRows(ctx, tx, s.logger, o.Symbol, map[string]bool{sibling: true}, "sibling "+string(o.Tag)+" filled", now); err != nil {
				return err
			}
		}
		return tx.DeletePosition(ctx, o.Symbol)
	})
	if err != nil {
		return err
	}
	logging.LogOrderTransition(s.logger, o.ID, o.ExternalID, o.Symbol, string(o.Tag), string(from), string(o.Status))
	if trade == nil {
		return nil
	}

	if sibling != "" {
		if err := s.client.CancelOrder(ctx, sibling); err != nil {
			log.Error().Err(err).Str("sibling", sibling).Msg("Sibling protective order cancel failed")
		}
	}
	if !closed {
		if unprotected {
			logging.LogUnprotected(log, o.Symbol, remaining, fmt.Errorf("stop filled %v shares only", trade.Shares))
		}
		return nil
	}

	log.Info().Float64("pnl", trade.PnL).Float64("pnl_pct", trade.PnLPct).Msg("Protective order filled, position closed")
	if s.gate != nil {
		s.gate.EvaluateAfterClose(ctx, o.Symbol, gateReason(o.Tag, reason), trade.PnLPct)
	}
	return nil
}

// promote moves a pending order to open so it can take an exchange-driven
// transition that pending does not allow.
func (s *OrderSynchronizer) promote(o *models.Order, now time.Time) error {
	if o.Status != models.OrderPending {
		return nil
	}
	return o.Transition(models.OrderOpen, now)
}

func (s *OrderSynchronizer) save(ctx context.Context, o *models.Order, from models.OrderStatus) error {
	if err := s.ledger.UpdateOrder(ctx, o); err != nil {
		return err
	}
	logging.LogOrderTransition(s.logger, o.ID, o.ExternalID, o.Symbol, string(o.Tag), string(from), string(o.Status))
	return nil
}
