package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equity-trader/internal/config"
	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// DCAEvaluation is the cost-averaging decision for one position.
type DCAEvaluation struct {
	ShouldBuy       bool
	Round           int // 1-based round this buy would be
	SharesToBuy     float64
	Price           float64
	ThresholdPrice  float64
	NewAveragePrice float64
	Cost            float64
	Reason          string
}

// DCAManager averages down into losing positions in bounded rounds.
type DCAManager struct {
	orders *OrderManager
	cfg    config.DCAConfig
	logger zerolog.Logger
}

// NewDCAManager creates a cost-averaging manager on top of an order manager.
func NewDCAManager(orders *OrderManager, cfg config.DCAConfig, logger zerolog.Logger) *DCAManager {
	return &DCAManager{
		orders: orders,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "dca"),
	}
}

// EvaluatePosition decides whether another round should be bought at price.
// Checks run in order: round cap, price drop, spacing since the last buy,
// share count and cash.
func (m *DCAManager) EvaluatePosition(ctx context.Context, symbol string, price float64, pos *models.Position, cash float64) (DCAEvaluation, error) {
	if !m.cfg.Enabled {
		return DCAEvaluation{Reason: "dca disabled"}, nil
	}
	round := pos.DCARounds
	if round >= m.cfg.MaxRounds {
		return DCAEvaluation{Reason: fmt.Sprintf("max dca rounds reached (%d)", m.cfg.MaxRounds)}, nil
	}

	eval := DCAEvaluation{Round: round + 1, Price: price}
	if price <= 0 {
		eval.Reason = "no price"
		return eval, nil
	}

	original := pos.OriginalEntryPrice
	if original <= 0 {
		original = pos.EntryPrice
	}
	eval.ThresholdPrice = original * (1 - m.cfg.DropPctPerRound*float64(round+1)/100)
	if price > eval.ThresholdPrice {
		eval.Reason = fmt.Sprintf("price %.2f above round %d threshold %.2f", price, round+1, eval.ThresholdPrice)
		return eval, nil
	}

	if m.cfg.MinMinutesBetween > 0 {
		last, ok, err := m.orders.ledger.LastBuyTime(ctx, symbol)
		if err != nil {
			return eval, err
		}
		minGap := time.Duration(m.cfg.MinMinutesBetween) * time.Minute
		if ok && m.orders.now().Sub(last) < minGap {
			eval.Reason = fmt.Sprintf("last buy %s ago, need %s", m.orders.now().Sub(last).Round(time.Second), minGap)
			return eval, nil
		}
	}

	shares := math.Floor(roundShares(pos, round, m.cfg.SizeMultiplier))
	if shares < 1 {
		eval.Reason = "round size below one share"
		return eval, nil
	}
	eval.SharesToBuy = shares

	eval.Cost = shares * price
	if eval.Cost > cash {
		eval.Reason = fmt.Sprintf("insufficient cash: need %.2f, have %.2f", eval.Cost, cash)
		eval.SharesToBuy = 0
		return eval, nil
	}

	eval.NewAveragePrice, _ = averagePrice(pos.InvestedCapital, pos.Shares, eval.Cost, shares)
	eval.ShouldBuy = true
	eval.Reason = fmt.Sprintf("dca round %d: price %.2f <= %.2f", round+1, price, eval.ThresholdPrice)
	return eval, nil
}

// roundShares sizes round r (0-based) as the entry share count times
// multiplier^r. Positions recorded before the entry count was kept recover
// it from the held shares, which are s0 × (1 + m + ... + m^(r-1)) when no
// partial exit has been taken.
func roundShares(pos *models.Position, rounds int, multiplier float64) float64 {
	original := pos.OriginalShares
	if original <= 0 {
		sum := 0.0
		for k := 0; k < rounds; k++ {
			sum += math.Pow(multiplier, float64(k))
		}
		original = pos.Shares / (1 + sum)
	}
	return original * math.Pow(multiplier, float64(rounds))
}

// averagePrice returns the volume-weighted entry price and total invested
// capital after adding a fill of addShares costing addCost.
func averagePrice(invested, shares, addCost, addShares float64) (avg, capital float64) {
	total := decimal.NewFromFloat(invested).Add(decimal.NewFromFloat(addCost))
	qty := decimal.NewFromFloat(shares).Add(decimal.NewFromFloat(addShares))
	if !qty.IsPositive() {
		return 0, total.InexactFloat64()
	}
	return total.DivRound(qty, 6).InexactFloat64(), total.InexactFloat64()
}

// ExecuteDCA buys one round. Protective orders are left as they are.
func (m *DCAManager) ExecuteDCA(ctx context.Context, symbol string, eval DCAEvaluation) OrderResult {
	om := m.orders
	if eval.SharesToBuy <= 0 {
		return failure(symbol, fmt.Errorf("%s: dca round with no shares", symbol))
	}
	if ok, reason := om.canTrade(ctx, symbol); !ok {
		return OrderResult{Symbol: symbol, Reason: "pair locked: " + reason}
	}

	pos, err := om.ledger.GetPosition(ctx, symbol)
	if err != nil {
		return failure(symbol, err)
	}

	price := eval.Price
	if price <= 0 {
		price = om.decisionPrice(ctx, pos)
	}

	if om.cfg.DryRun {
		return m.apply(ctx, pos, nil, eval, price, price, eval.SharesToBuy, true)
	}

	order := om.newOrder(pos.Symbol, pos.Ticker, models.OrderSideBuy, models.OrderTypeMarket, models.TagDCA,
		pos.Segment, eval.SharesToBuy, price, om.now())
	if err := om.ledger.InsertOrder(ctx, order); err != nil {
		return failure(symbol, err)
	}

	fill, err := om.submitMarket(ctx, order)
	if err != nil {
		return failure(symbol, err)
	}
	actx, cancel := detach(ctx)
	defer cancel()
	return m.apply(actx, pos, order, eval, price, fill.Price, fill.Quantity, false)
}

// apply records a dca fill: the order, a BUY trade and the averaged position.
// A nil order means a simulated fill.
func (m *DCAManager) apply(ctx context.Context, pos *models.Position, order *models.Order, eval DCAEvaluation,
	intended, price, shares float64, dryRun bool) OrderResult {
	om := m.orders
	now := om.now()
	result := OrderResult{Symbol: pos.Symbol, Side: models.OrderSideBuy, Shares: shares, FillPrice: price, DryRun: dryRun}

	err := om.ledger.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}

		slip, slipPct := slippage(intended, price)
		trade := &models.Trade{
			ID:            newID(),
			Symbol:        current.Symbol,
			Ticker:        current.Ticker,
			Side:          models.OrderSideBuy,
			Shares:        shares,
			EntryPrice:    price,
			EntryTime:     now,
			ExitReason:    eval.Reason,
			ExitTag:       models.TagDCA,
			IntendedPrice: intended,
			FilledPrice:   price,
			Slippage:      slip,
			SlippagePct:   slipPct,
			Segment:       current.Segment,
			AIConviction:  current.Conviction,
			DryRun:        dryRun,
			CreatedAt:     now,
		}

		if order == nil {
			order = om.newOrder(current.Symbol, current.Ticker, models.OrderSideBuy, models.OrderTypeMarket, models.TagDCA,
				current.Segment, shares, intended, now)
			order.ExternalID = dryRunID()
			order.TradeID = trade.ID
			if err := om.fillOrder(order, shares, price, now); err != nil {
				return err
			}
			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}
		} else {
			order.TradeID = trade.ID
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		invested := current.InvestedCapital
		if invested <= 0 {
			invested = current.EntryPrice * current.Shares
		}
		cost := decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(price)).InexactFloat64()
		current.EntryPrice, current.InvestedCapital = averagePrice(invested, current.Shares, cost, shares)
		current.Shares += shares
		current.DCARounds++
		current.Reprice(price, now)

		result.OrderID = order.ID
		result.ExternalID = order.ExternalID
		return tx.UpdatePosition(ctx, current)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("DCA fill could not be recorded")
		return failure(pos.Symbol, err)
	}

	logging.LogFill(m.logger, pos.Symbol, string(models.OrderSideBuy), shares, price, dryRun)
	result.Success = true
	return result
}
