package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/config"
	"equity-trader/internal/errors"
	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// BuyParams describes an admitted buy.
type BuyParams struct {
	Symbol string
	Ticker string
	Shares float64
	// Price is the quoted price at decision time. Dry-run fills at it.
	Price float64
	// StopLossPct and TakeProfitPct override the configured distances when
	// positive. A negative TakeProfitPct disables the take-profit order.
	StopLossPct   float64
	TakeProfitPct float64
	Conviction    float64
	Sector        string
	Segment       models.Segment
	AIModel       string
	AIReasoning   string
}

// CloseParams describes a full close of an open position.
type CloseParams struct {
	Symbol string
	Reason string
	// Tag is the close intent. Empty falls back to classifying Reason.
	Tag models.OrderTag
	// Price is the price observed at decision time, used for slippage.
	// Zero looks up the live price.
	Price float64
}

// OrderResult is the outcome of an execution operation.
type OrderResult struct {
	Success           bool
	Reason            string
	Symbol            string
	OrderID           string
	ExternalID        string
	Side              models.OrderSide
	Shares            float64
	FillPrice         float64
	StopLossPrice     float64
	TakeProfitPrice   float64
	StopOrderID       string
	TakeProfitOrderID string
	PnL               float64
	PnLPct            float64
	Slippage          float64
	// Unprotected is set when a position was left open on the exchange
	// without a stop-loss and needs manual intervention.
	Unprotected bool
	DryRun      bool
	Err         error
}

func failure(symbol string, err error) OrderResult {
	return OrderResult{Success: false, Symbol: symbol, Reason: err.Error(), Err: err}
}

// OrderManager executes buys and closes in dry-run or live mode.
type OrderManager struct {
	ledger store.Ledger
	client broker.Client
	prices broker.PriceSource
	gate   TradeGate
	waiter *FillWaiter
	cfg    config.ExecutionConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrderManager creates an order manager. prices and gate may be nil.
func NewOrderManager(ledger store.Ledger, client broker.Client, prices broker.PriceSource, gate TradeGate,
	cfg config.ExecutionConfig, logger zerolog.Logger) *OrderManager {
	logger = logging.WithComponent(logger, "orders")
	return &OrderManager{
		ledger: ledger,
		client: client,
		prices: prices,
		gate:   gate,
		waiter: NewFillWaiter(client, PollConfigFrom(cfg), logger),
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DryRun reports whether orders are simulated.
func (m *OrderManager) DryRun() bool {
	return m.cfg.DryRun
}

// ExecuteBuy opens a new position.
func (m *OrderManager) ExecuteBuy(ctx context.Context, p BuyParams) OrderResult {
	if p.Ticker == "" {
		p.Ticker = p.Symbol
	}
	if p.Segment == "" {
		p.Segment = models.Segment(m.cfg.Segment)
	}
	if p.Shares <= 0 {
		return failure(p.Symbol, fmt.Errorf("%s: %w: %v shares", p.Symbol, errors.ErrInvalidQuantity, p.Shares))
	}
	if ok, reason := m.canTrade(ctx, p.Symbol); !ok {
		return failure(p.Symbol, fmt.Errorf("%s: %w: %s", p.Symbol, errors.ErrPairLocked, reason))
	}
	if p.Price <= 0 {
		price, err := m.livePrice(ctx, p.Ticker)
		if err != nil {
			return failure(p.Symbol, err)
		}
		p.Price = price
	}

	if m.cfg.DryRun {
		return m.dryRunBuy(ctx, p)
	}
	return m.liveBuy(ctx, p)
}

// dryRunBuy fills immediately at the quoted price inside one transaction.
func (m *OrderManager) dryRunBuy(ctx context.Context, p BuyParams) OrderResult {
	now := m.now()
	stop := stopPrice(p.Price, m.stopLossPct(p))
	tpPct := m.takeProfitPct(p)

	result := OrderResult{Symbol: p.Symbol, Side: models.OrderSideBuy, Shares: p.Shares, FillPrice: p.Price,
		StopLossPrice: stop, DryRun: true}

	err := m.ledger.InTx(ctx, func(tx store.Tx) error {
		if err := guardNoPosition(ctx, tx, p.Symbol); err != nil {
			return err
		}

		trade := m.buyTrade(p, p.Shares, p.Price, now, true)
		entry := m.newOrder(p.Symbol, p.Ticker, models.OrderSideBuy, models.OrderTypeMarket, models.TagEntry, p.Segment, p.Shares, p.Price, now)
		entry.ExternalID = dryRunID()
		entry.TradeID = trade.ID
		if err := m.fillOrder(entry, p.Shares, p.Price, now); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, entry); err != nil {
			return err
		}

		stopOrder := m.newOrder(p.Symbol, p.Ticker, models.OrderSideSell, models.OrderTypeStop, models.TagStopLoss, p.Segment, p.Shares, 0, now)
		stopOrder.Status = models.OrderOpen
		stopOrder.ExternalID = dryRunID()
		stopOrder.StopPrice = stop
		if err := tx.InsertOrder(ctx, stopOrder); err != nil {
			return err
		}
		result.StopOrderID = stopOrder.ExternalID

		if tpPct > 0 {
			result.TakeProfitPrice = targetPrice(p.Price, tpPct)
			tpOrder := m.newOrder(p.Symbol, p.Ticker, models.OrderSideSell, models.OrderTypeLimit, models.TagTakeProfit, p.Segment, p.Shares, 0, now)
			tpOrder.Status = models.OrderOpen
			tpOrder.ExternalID = dryRunID()
			tpOrder.LimitPrice = result.TakeProfitPrice
			if err := tx.InsertOrder(ctx, tpOrder); err != nil {
				return err
			}
			result.TakeProfitOrderID = tpOrder.ExternalID
		}

		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		pos := m.newPosition(p, p.Shares, p.Price, now)
		pos.StopLossPrice = stop
		pos.TakeProfitPrice = result.TakeProfitPrice
		pos.StopOrderID = result.StopOrderID
		pos.TakeProfitOrderID = result.TakeProfitOrderID
		result.OrderID = entry.ID
		result.ExternalID = entry.ExternalID
		return tx.InsertPosition(ctx, pos)
	})
	if err != nil {
		return failure(p.Symbol, err)
	}

	logging.LogFill(m.logger, p.Symbol, string(models.OrderSideBuy), p.Shares, p.Price, true)
	result.Success = true
	return result
}

// liveBuy runs the exchange buy protocol.
func (m *OrderManager) liveBuy(ctx context.Context, p BuyParams) OrderResult {
	now := m.now()
	entry := m.newOrder(p.Symbol, p.Ticker, models.OrderSideBuy, models.OrderTypeMarket, models.TagEntry, p.Segment, p.Shares, p.Price, now)

	// Reserve the symbol: the guard and the pending entry order commit
	// together, and the live entry index rejects a concurrent second one.
	err := m.ledger.InTx(ctx, func(tx store.Tx) error {
		if err := guardNoPosition(ctx, tx, p.Symbol); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, entry)
	})
	if err != nil {
		return failure(p.Symbol, err)
	}

	fill, err := m.submitMarket(ctx, entry)
	if err != nil {
		return failure(p.Symbol, err)
	}

	// The shares are held now; protect and record them even if the caller quits.
	ctx, cancel := detach(ctx)
	defer cancel()

	result := OrderResult{Symbol: p.Symbol, Side: models.OrderSideBuy, OrderID: entry.ID, ExternalID: entry.ExternalID,
		Shares: fill.Quantity, FillPrice: fill.Price}
	result.StopLossPrice = stopPrice(fill.Price, m.stopLossPct(p))
	tpPct := m.takeProfitPct(p)
	if tpPct > 0 {
		result.TakeProfitPrice = targetPrice(fill.Price, tpPct)
	}

	// The exchange can reject a stop placed immediately after the fill.
	if err := sleepCtx(ctx, m.cfg.StopSettlementDelay); err != nil {
		m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Settlement delay interrupted")
	}

	stopOrder, stopErr := m.placeStop(ctx, p.Symbol, p.Ticker, p.Segment, fill.Quantity, result.StopLossPrice)
	if stopErr != nil {
		return m.handleStopFailure(ctx, p, entry, fill, result, stopErr)
	}
	result.StopOrderID = stopOrder.ExternalID

	if result.TakeProfitPrice > 0 {
		tpOrder, err := m.placeTakeProfit(ctx, p.Symbol, p.Ticker, p.Segment, fill.Quantity, result.TakeProfitPrice)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Take-profit placement failed, continuing without it")
			result.TakeProfitPrice = 0
		} else {
			result.TakeProfitOrderID = tpOrder.ExternalID
		}
	}

	if err := m.recordBuy(ctx, p, entry, fill, result, models.ProtectionProtected); err != nil {
		m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Filled buy could not be recorded")
		return failure(p.Symbol, err)
	}

	result.Success = true
	return result
}

// handleStopFailure runs the compensating flatten after a stop-loss could not
// be placed. A failed flatten leaves the position recorded as unprotected.
func (m *OrderManager) handleStopFailure(ctx context.Context, p BuyParams, entry *models.Order, fill FillResult,
	result OrderResult, stopErr error) OrderResult {
	m.logger.Error().Err(stopErr).Str("symbol", p.Symbol).Msg("Stop-loss placement failed, flattening position")

	flatten := m.newOrder(p.Symbol, p.Ticker, models.OrderSideSell, models.OrderTypeMarket, models.TagExit, p.Segment, fill.Quantity, fill.Price, m.now())
	if err := m.ledger.InsertOrder(ctx, flatten); err != nil {
		m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Could not record flatten order")
	}

	flatFill, flatErr := m.submitMarket(ctx, flatten)
	if flatErr != nil {
		logging.LogUnprotected(m.logger, p.Symbol, fill.Quantity, fmt.Errorf("stop: %v; flatten: %w", stopErr, flatErr))

		result.StopLossPrice = 0
		if result.TakeProfitPrice > 0 {
			tpOrder, err := m.placeTakeProfit(ctx, p.Symbol, p.Ticker, p.Segment, fill.Quantity, result.TakeProfitPrice)
			if err != nil {
				m.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Take-profit placement failed on unprotected position")
				result.TakeProfitPrice = 0
			} else {
				result.TakeProfitOrderID = tpOrder.ExternalID
			}
		}

		if err := m.recordBuy(ctx, p, entry, fill, result, models.ProtectionUnprotected); err != nil {
			m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Unprotected position could not be recorded")
		}
		result.Success = true
		result.Unprotected = true
		result.Reason = "stop-loss placement failed and flatten failed: position unprotected"
		result.Err = stopErr
		return result
	}

	now := m.now()
	err := m.ledger.InTx(ctx, func(tx store.Tx) error {
		buy := m.buyTrade(p, fill.Quantity, fill.Price, entry.CreatedAt, false)
		entry.TradeID = buy.ID
		if err := tx.UpdateOrder(ctx, entry); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, buy); err != nil {
			return err
		}

		pnl, pnlPct := legPnL(fill.Price, flatFill.Price, flatFill.Quantity)
		slip, slipPct := slippage(fill.Price, flatFill.Price)
		sell := &models.Trade{
			ID:            newID(),
			Symbol:        p.Symbol,
			Ticker:        p.Ticker,
			Side:          models.OrderSideSell,
			Shares:        flatFill.Quantity,
			EntryPrice:    fill.Price,
			ExitPrice:     flatFill.Price,
			EntryTime:     entry.CreatedAt,
			ExitTime:      &now,
			PnL:           pnl,
			PnLPct:        pnlPct,
			ExitReason:    "emergency flatten: stop-loss placement failed",
			ExitTag:       models.TagExit,
			IntendedPrice: fill.Price,
			FilledPrice:   flatFill.Price,
			Slippage:      slip,
			SlippagePct:   slipPct,
			Segment:       p.Segment,
			CreatedAt:     now,
		}
		flatten.TradeID = sell.ID
		if err := tx.UpdateOrder(ctx, flatten); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, sell)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Flattened round trip could not be recorded")
	}

	result.Success = false
	result.Reason = "stop-loss placement failed: position flattened"
	result.Err = stopErr
	return result
}

// recordBuy writes the entry trade and the new position after a live fill.
func (m *OrderManager) recordBuy(ctx context.Context, p BuyParams, entry *models.Order, fill FillResult,
	result OrderResult, protection models.Protection) error {
	return m.ledger.InTx(ctx, func(tx store.Tx) error {
		trade := m.buyTrade(p, fill.Quantity, fill.Price, m.now(), false)
		entry.TradeID = trade.ID
		if err := tx.UpdateOrder(ctx, entry); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		pos := m.newPosition(p, fill.Quantity, fill.Price, m.now())
		pos.StopLossPrice = result.StopLossPrice
		pos.TakeProfitPrice = result.TakeProfitPrice
		pos.StopOrderID = result.StopOrderID
		pos.TakeProfitOrderID = result.TakeProfitOrderID
		pos.Protection = protection
		return tx.InsertPosition(ctx, pos)
	})
}

// ExecuteClose sells an entire position.
func (m *OrderManager) ExecuteClose(ctx context.Context, p CloseParams) OrderResult {
	pos, err := m.ledger.GetPosition(ctx, p.Symbol)
	if err != nil {
		return failure(p.Symbol, err)
	}

	tag := exitTag(p.Tag, p.Reason)
	intended := p.Price
	if intended <= 0 {
		intended = m.decisionPrice(ctx, pos)
	}

	var result OrderResult
	if m.cfg.DryRun {
		result = m.dryRunClose(ctx, pos, tag, p.Reason, intended)
	} else {
		result = m.liveClose(ctx, pos, tag, p.Reason, intended)
	}

	if result.Success && m.gate != nil {
		m.gate.EvaluateAfterClose(ctx, p.Symbol, gateReason(tag, p.Reason), result.PnLPct)
	}
	return result
}

func (m *OrderManager) dryRunClose(ctx context.Context, pos *models.Position, tag models.OrderTag, reason string, intended float64) OrderResult {
	now := m.now()
	result := OrderResult{Symbol: pos.Symbol, Side: models.OrderSideSell, Shares: pos.Shares, FillPrice: intended, DryRun: true}

	err := m.ledger.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}

		order := m.newOrder(current.Symbol, current.Ticker, models.OrderSideSell, models.OrderTypeMarket, tag, current.Segment, current.Shares, intended, now)
		order.ExternalID = dryRunID()
		if err := m.fillOrder(order, current.Shares, intended, now); err != nil {
			return err
		}

		trade := sellTrade(current, current.Shares, intended, intended, tag, reason, now, true)
		order.TradeID = trade.ID
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if err := m.cancelLocalProtective(ctx, tx, current.Symbol, nil, "position closed", now); err != nil {
			return err
		}

		result.OrderID = order.ID
		result.ExternalID = order.ExternalID
		result.PnL, result.PnLPct = trade.PnL, trade.PnLPct
		return tx.DeletePosition(ctx, current.Symbol)
	})
	if err != nil {
		return failure(pos.Symbol, err)
	}

	logging.LogFill(m.logger, pos.Symbol, string(models.OrderSideSell), pos.Shares, intended, true)
	result.Success = true
	return result
}

func (m *OrderManager) liveClose(ctx context.Context, pos *models.Position, tag models.OrderTag, reason string, intended float64) OrderResult {
	order := m.newOrder(pos.Symbol, pos.Ticker, models.OrderSideSell, models.OrderTypeMarket, tag, pos.Segment, pos.Shares, intended, m.now())
	if err := m.ledger.InsertOrder(ctx, order); err != nil {
		return failure(pos.Symbol, err)
	}

	cancelled := m.cancelProtective(ctx, pos)

	fill, err := m.submitMarket(ctx, order)
	ctx, cancel := detach(ctx)
	defer cancel()
	if err != nil {
		if len(cancelled) > 0 {
			m.markUnprotected(ctx, pos, cancelled, err)
		}
		return failure(pos.Symbol, err)
	}

	now := m.now()
	trade := sellTrade(pos, fill.Quantity, intended, fill.Price, tag, reason, now, false)
	err = m.ledger.InTx(ctx, func(tx store.Tx) error {
		order.TradeID = trade.ID
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if err := m.cancelLocalProtective(ctx, tx, pos.Symbol, cancelled, "position closed", now); err != nil {
			return err
		}
		return tx.DeletePosition(ctx, pos.Symbol)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Filled close could not be recorded")
		return failure(pos.Symbol, err)
	}

	return OrderResult{
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
}

// markUnprotected records that a failed close left the position without the
// protective orders it cancelled.
func (m *OrderManager) markUnprotected(ctx context.Context, pos *models.Position, cancelled map[string]bool, cause error) {
	now := m.now()
	err := m.ledger.InTx(ctx, func(tx store.Tx) error {
		if err := m.cancelLocalProtective(ctx, tx, pos.Symbol, cancelled, "close failed", now); err != nil {
			return err
		}
		current, err := tx.GetPosition(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		if cancelled[current.StopOrderID] {
			current.StopOrderID = ""
			current.Protection = models.ProtectionUnprotected
		}
		if cancelled[current.TakeProfitOrderID] {
			current.TakeProfitOrderID = ""
		}
		current.UpdatedAt = now
		return tx.UpdatePosition(ctx, current)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Could not record lost protection")
	}
	if cancelled[pos.StopOrderID] {
		logging.LogUnprotected(m.logger, pos.Symbol, pos.Shares, cause)
	}
}

// RefreshPrices reprices every open position from the price source. Symbols
// whose price cannot be fetched keep their last price.
func (m *OrderManager) RefreshPrices(ctx context.Context) (int, error) {
	if m.prices == nil {
		return 0, nil
	}
	positions, err := m.ledger.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range positions {
		pos := &positions[i]
		price, err := m.prices.LatestPrice(ctx, pos.Ticker)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Price refresh failed")
			continue
		}
		pos.Reprice(price, m.now())
		if err := m.ledger.UpdatePosition(ctx, pos); err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position reprice not saved")
			continue
		}
		updated++
	}
	return updated, nil
}

// submitMarket sends a pending market order and waits for its fill. Failures
// are recorded on the order before returning. The filled order is updated in
// memory only; the caller persists it with the ledger writes of the leg.
func (m *OrderManager) submitMarket(ctx context.Context, order *models.Order) (FillResult, error) {
	// Ledger writes outlive ctx so the order row never stays pending or open
	// after the exchange side settled.
	wctx, cancel := detach(ctx)
	defer cancel()

	placed, err := m.client.PlaceMarketOrder(ctx, broker.MarketOrderRequest{
		Ticker:       order.Ticker,
		Side:         order.Side,
		Quantity:     order.RequestedQty,
		TimeValidity: models.ValidityDay,
	})
	if err != nil {
		m.failOrder(wctx, order, err.Error())
		return FillResult{}, errors.NewOrderError(order.ID, order.Symbol, string(order.Side), "submission failed", err)
	}

	from := order.Status
	order.ExternalID = placed.ID
	if err := order.Transition(models.OrderOpen, m.now()); err != nil {
		return FillResult{}, err
	}
	m.saveOrder(wctx, order, from)

	fill, err := m.waiter.AwaitFill(ctx, placed.ID, func(qty float64) {
		from := order.Status
		order.FilledQty = qty
		if err := order.Transition(models.OrderPartiallyFilled, m.now()); err == nil {
			m.saveOrder(wctx, order, from)
		}
	})
	if err != nil {
		m.failOrder(wctx, order, err.Error())
		return FillResult{}, errors.NewOrderError(order.ID, order.Symbol, string(order.Side), "no fill", err)
	}

	if fill.Price <= 0 {
		m.logger.Warn().Str("symbol", order.Symbol).Msg("Fill reported without price, using requested price")
		fill.Price = order.RequestedPrice
	}
	if fill.Quantity <= 0 {
		fill.Quantity = order.RequestedQty
	}

	if err := m.fillOrder(order, fill.Quantity, fill.Price, m.now()); err != nil {
		return FillResult{}, err
	}
	logging.LogFill(m.logger, order.Symbol, string(order.Side), fill.Quantity, fill.Price, false)
	return fill, nil
}

// fillOrder marks an order filled in memory.
func (m *OrderManager) fillOrder(order *models.Order, qty, price float64, at time.Time) error {
	from := order.Status
	order.FilledQty = qty
	order.FilledPrice = price
	if err := order.Transition(models.OrderFilled, at); err != nil {
		return err
	}
	logging.LogOrderTransition(m.logger, order.ID, order.ExternalID, order.Symbol, string(order.Tag), string(from), string(order.Status))
	return nil
}

// failOrder marks an order failed with reason and persists it.
func (m *OrderManager) failOrder(ctx context.Context, order *models.Order, reason string) {
	from := order.Status
	order.CancelReason = reason
	if err := order.Transition(models.OrderFailed, m.now()); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("Could not fail order")
		return
	}
	m.saveOrder(ctx, order, from)
}

func (m *OrderManager) saveOrder(ctx context.Context, order *models.Order, from models.OrderStatus) {
	if err := m.ledger.UpdateOrder(ctx, order); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("Order update not saved")
		return
	}
	logging.LogOrderTransition(m.logger, order.ID, order.ExternalID, order.Symbol, string(order.Tag), string(from), string(order.Status))
}

// placeStop submits a GTC stop sell and records it as an open order.
func (m *OrderManager) placeStop(ctx context.Context, symbol, ticker string, segment models.Segment, qty, price float64) (*models.Order, error) {
	placed, err := m.client.PlaceStopOrder(ctx, broker.StopOrderRequest{
		Ticker:       ticker,
		Side:         models.OrderSideSell,
		Quantity:     qty,
		StopPrice:    price,
		TimeValidity: models.ValidityGTC,
	})
	if err != nil {
		return nil, err
	}
	order := m.newOrder(symbol, ticker, models.OrderSideSell, models.OrderTypeStop, models.TagStopLoss, segment, qty, 0, m.now())
	order.Status = models.OrderOpen
	order.ExternalID = placed.ID
	order.StopPrice = price
	m.insertProtective(ctx, order)
	return order, nil
}

// placeTakeProfit submits a GTC limit sell and records it as an open order.
func (m *OrderManager) placeTakeProfit(ctx context.Context, symbol, ticker string, segment models.Segment, qty, price float64) (*models.Order, error) {
	placed, err := m.client.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Ticker:       ticker,
		Side:         models.OrderSideSell,
		Quantity:     qty,
		LimitPrice:   price,
		TimeValidity: models.ValidityGTC,
	})
	if err != nil {
		return nil, err
	}
	order := m.newOrder(symbol, ticker, models.OrderSideSell, models.OrderTypeLimit, models.TagTakeProfit, segment, qty, 0, m.now())
	order.Status = models.OrderOpen
	order.ExternalID = placed.ID
	order.LimitPrice = price
	m.insertProtective(ctx, order)
	return order, nil
}

func (m *OrderManager) insertProtective(ctx context.Context, order *models.Order) {
	if err := m.ledger.InsertOrder(ctx, order); err != nil {
		m.logger.Error().Err(err).Str("symbol", order.Symbol).Str("external_id", order.ExternalID).Msg("Protective order placed but not recorded")
		return
	}
	logging.LogOrderTransition(m.logger, order.ID, order.ExternalID, order.Symbol, string(order.Tag), "", string(order.Status))
}

// cancelProtective cancels the position's exchange-side protective orders.
// Failures are logged and ignored since the order may already have filled.
// It returns the external ids that were cancelled.
func (m *OrderManager) cancelProtective(ctx context.Context, pos *models.Position) map[string]bool {
	cancelled := make(map[string]bool)
	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if err := m.client.CancelOrder(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Str("external_id", id).Msg("Protective order cancel failed")
			continue
		}
		cancelled[id] = true
	}
	return cancelled
}

// cancelLocalProtective marks open protective order rows for symbol cancelled.
// A nil only set cancels every one; otherwise only the listed external ids.
func (m *OrderManager) cancelLocalProtective(ctx context.Context, tx store.Tx, symbol string, only map[string]bool, reason string, at time.Time) error {
	return cancelProtectiveRows(ctx, tx, m.logger, symbol, only, reason, at)
}

func cancelProtectiveRows(ctx context.Context, tx store.Tx, logger zerolog.Logger, symbol string, only map[string]bool,
	reason string, at time.Time) error {
	for _, tag := range []models.OrderTag{models.TagStopLoss, models.TagTakeProfit} {
		orders, err := tx.ListOrders(ctx, store.OrderFilter{Symbol: symbol, Status: models.OrderOpen, Tag: tag})
		if err != nil {
			return err
		}
		for i := range orders {
			o := &orders[i]
			if only != nil && !only[o.ExternalID] {
				continue
			}
			o.CancelReason = reason
			if err := o.Transition(models.OrderCancelled, at); err != nil {
				continue
			}
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			logging.LogOrderTransition(logger, o.ID, o.ExternalID, o.Symbol, string(o.Tag), string(models.OrderOpen), string(o.Status))
		}
	}
	return nil
}

func (m *OrderManager) canTrade(ctx context.Context, symbol string) (bool, string) {
	if m.gate == nil {
		return true, ""
	}
	return m.gate.CanTrade(ctx, symbol)
}

func (m *OrderManager) livePrice(ctx context.Context, ticker string) (float64, error) {
	if m.prices == nil {
		return 0, fmt.Errorf("%s: %w", ticker, errors.ErrNoPrice)
	}
	price, err := m.prices.LatestPrice(ctx, ticker)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", ticker, errors.ErrNoPrice, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%s: %w", ticker, errors.ErrNoPrice)
	}
	return price, nil
}

// decisionPrice is the best available price for a close decision.
func (m *OrderManager) decisionPrice(ctx context.Context, pos *models.Position) float64 {
	if price, err := m.livePrice(ctx, pos.Ticker); err == nil {
		return price
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return pos.EntryPrice
}

func (m *OrderManager) stopLossPct(p BuyParams) float64 {
	if p.StopLossPct > 0 {
		return p.StopLossPct
	}
	return m.cfg.StopLossPct
}

func (m *OrderManager) takeProfitPct(p BuyParams) float64 {
	switch {
	case p.TakeProfitPct > 0:
		return p.TakeProfitPct
	case p.TakeProfitPct < 0:
		return 0
	}
	return m.cfg.TakeProfitPct
}

func (m *OrderManager) newOrder(symbol, ticker string, side models.OrderSide, typ models.OrderType, tag models.OrderTag,
	segment models.Segment, qty, price float64, at time.Time) *models.Order {
	return &models.Order{
		ID:             newID(),
		Symbol:         symbol,
		Ticker:         ticker,
		Side:           side,
		Type:           typ,
		Status:         models.OrderPending,
		Tag:            tag,
		Segment:        segment,
		RequestedQty:   qty,
		RequestedPrice: price,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func (m *OrderManager) newPosition(p BuyParams, shares, price float64, at time.Time) *models.Position {
	pos := &models.Position{
		Symbol:             p.Symbol,
		Ticker:             p.Ticker,
		Shares:             shares,
		EntryPrice:         price,
		OriginalEntryPrice: price,
		OriginalShares:     shares,
		EntryTime:          at,
		Conviction:         p.Conviction,
		InvestedCapital:    shares * price,
		Segment:            p.Segment,
		Sector:             p.Sector,
		Protection:         models.ProtectionProtected,
	}
	pos.Reprice(price, at)
	return pos
}

func (m *OrderManager) buyTrade(p BuyParams, shares, price float64, at time.Time, dryRun bool) *models.Trade {
	slip, slipPct := slippage(p.Price, price)
	return &models.Trade{
		ID:            newID(),
		Symbol:        p.Symbol,
		Ticker:        p.Ticker,
		Side:          models.OrderSideBuy,
		Shares:        shares,
		EntryPrice:    price,
		EntryTime:     at,
		IntendedPrice: p.Price,
		FilledPrice:   price,
		Slippage:      slip,
		SlippagePct:   slipPct,
		Segment:       p.Segment,
		AIModel:       p.AIModel,
		AIConviction:  p.Conviction,
		AIReasoning:   p.AIReasoning,
		DryRun:        dryRun,
		CreatedAt:     at,
	}
}

// sellTrade builds the SELL trade for shares of pos filled at filled.
func sellTrade(pos *models.Position, shares, intended, filled float64, tag models.OrderTag,
	reason string, at time.Time, dryRun bool) *models.Trade {
	pnl, pnlPct := legPnL(pos.EntryPrice, filled, shares)
	slip, slipPct := slippage(intended, filled)
	exit := at
	return &models.Trade{
		ID:            newID(),
		Symbol:        pos.Symbol,
		Ticker:        pos.Ticker,
		Side:          models.OrderSideSell,
		Shares:        shares,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     filled,
		EntryTime:     pos.EntryTime,
		ExitTime:      &exit,
		PnL:           pnl,
		PnLPct:        pnlPct,
		ExitReason:    reason,
		ExitTag:       tag,
		IntendedPrice: intended,
		FilledPrice:   filled,
		Slippage:      slip,
		SlippagePct:   slipPct,
		Segment:       pos.Segment,
		AIConviction:  pos.Conviction,
		DryRun:        dryRun,
		CreatedAt:     at,
	}
}

// guardNoPosition fails with ErrDuplicatePosition when symbol is held.
func guardNoPosition(ctx context.Context, tx store.Tx, symbol string) error {
	_, err := tx.GetPosition(ctx, symbol)
	if err == nil {
		return fmt.Errorf("%s: %w", symbol, errors.ErrDuplicatePosition)
	}
	if errors.Is(err, errors.ErrPositionNotFound) {
		return nil
	}
	return err
}
