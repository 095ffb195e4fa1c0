package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trader/internal/config"
	"equity-trader/internal/logging"
	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// ProtectionManager runs the lock rules after every close and answers
// whether new exposure is allowed.
type ProtectionManager struct {
	trades store.TradeLister
	locks  *PairLockManager
	cfg    config.ProtectionConfig
	logger zerolog.Logger
	now    func() time.Time
}

var _ TradeGate = (*ProtectionManager)(nil)

// NewProtectionManager creates a protection manager reading closed trades
// from trades and installing locks through locks.
func NewProtectionManager(trades store.TradeLister, locks *PairLockManager, cfg config.ProtectionConfig, logger zerolog.Logger) *ProtectionManager {
	return &ProtectionManager{
		trades: trades,
		locks:  locks,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "protections"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CanTrade reports whether symbol may take new long exposure. Lock lookup
// errors deny trading.
func (p *ProtectionManager) CanTrade(ctx context.Context, symbol string) (bool, string) {
	status, err := p.locks.IsPairLocked(ctx, symbol, models.LockSideLong)
	if err != nil {
		p.logger.Error().Err(err).Str("symbol", symbol).Msg("Lock check failed, denying trade")
		return false, "lock check failed: " + err.Error()
	}
	if !status.Locked {
		return true, ""
	}
	scope := "pair"
	if status.Global {
		scope = "global"
	}
	return false, fmt.Sprintf("%s lock until %s: %s", scope, status.Until.Format(time.RFC3339), status.Reason)
}

// EvaluateAfterClose runs every enabled rule for a just-closed symbol. Each
// rule runs even when an earlier one fails.
func (p *ProtectionManager) EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64) {
	rules := []struct {
		name string
		on   bool
		run  func(context.Context, string, string) error
	}{
		{"cooldown", p.cfg.Cooldown.Enabled, p.cooldown},
		{"stoploss_guard", p.cfg.StoplossGuard.Enabled, p.stoplossGuard},
		{"max_drawdown", p.cfg.MaxDrawdown.Enabled, p.maxDrawdown},
		{"low_profit", p.cfg.LowProfit.Enabled, p.lowProfit},
	}

	p.logger.Debug().Str("symbol", symbol).Str("reason", exitReason).Float64("pnl_pct", pnlPct).Msg("Evaluating protections")
	for _, rule := range rules {
		if !rule.on {
			continue
		}
		if err := p.runRule(ctx, rule.name, rule.run, symbol, exitReason); err != nil {
			p.logger.Error().Err(err).Str("rule", rule.name).Str("symbol", symbol).Msg("Protection rule failed")
		}
	}
}

func (p *ProtectionManager) runRule(ctx context.Context, name string, run func(context.Context, string, string) error,
	symbol, exitReason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", name, r)
		}
	}()
	return run(ctx, symbol, exitReason)
}

func (p *ProtectionManager) cooldown(ctx context.Context, symbol, _ string) error {
	c := p.cfg.Cooldown
	_, err := p.locks.LockPair(ctx, symbol, c.DurationMinutes,
		fmt.Sprintf("cooldown %d minutes after close", c.DurationMinutes), models.LockSideAny)
	return err
}

func (p *ProtectionManager) stoplossGuard(ctx context.Context, symbol, exitReason string) error {
	if ClassifyExitReason(exitReason) != models.TagStopLoss {
		return nil
	}
	c := p.cfg.StoplossGuard

	filter := store.TradeFilter{
		Side:  models.OrderSideSell,
		Since: p.now().Add(-time.Duration(c.LookbackMinutes) * time.Minute),
	}
	if c.OnlyPerPair {
		filter.Symbol = symbol
	}
	trades, err := p.trades.ListTrades(ctx, filter)
	if err != nil {
		return err
	}

	count := 0
	for i := range trades {
		if isStopLossExit(trades[i]) {
			count++
		}
	}
	if count < c.TradeLimit {
		return nil
	}

	reason := fmt.Sprintf("%d stop-losses in %d minutes", count, c.LookbackMinutes)
	if c.OnlyPerPair {
		_, err = p.locks.LockPair(ctx, symbol, c.LockMinutes, reason, models.LockSideAny)
	} else {
		_, err = p.locks.LockGlobal(ctx, c.LockMinutes, reason)
	}
	return err
}

func (p *ProtectionManager) maxDrawdown(ctx context.Context, _, _ string) error {
	c := p.cfg.MaxDrawdown
	trades, err := p.trades.ListTrades(ctx, store.TradeFilter{
		Side:  models.OrderSideSell,
		Since: p.now().Add(-time.Duration(c.LookbackMinutes) * time.Minute),
	})
	if err != nil {
		return err
	}

	returns := make([]float64, len(trades))
	for i := range trades {
		returns[i] = trades[i].PnLPct
	}
	dd := MaxDrawdown(returns)
	if dd < c.MaxDrawdownPct {
		return nil
	}
	_, err = p.locks.LockGlobal(ctx, c.LockMinutes, fmt.Sprintf("drawdown %.2f%% >= %.2f%%", dd, c.MaxDrawdownPct))
	return err
}

func (p *ProtectionManager) lowProfit(ctx context.Context, symbol, _ string) error {
	c := p.cfg.LowProfit
	trades, err := p.trades.ListTrades(ctx, store.TradeFilter{
		Symbol: symbol,
		Side:   models.OrderSideSell,
		Since:  p.now().Add(-time.Duration(c.LookbackMinutes) * time.Minute),
	})
	if err != nil {
		return err
	}
	if len(trades) < c.MinTrades {
		return nil
	}

	total := 0.0
	for i := range trades {
		total += trades[i].PnLPct
	}
	if total >= c.MinProfitPct {
		return nil
	}
	_, err = p.locks.LockPair(ctx, symbol, c.LockMinutes,
		fmt.Sprintf("profit %.2f%% over %d trades below %.2f%%", total, len(trades), c.MinProfitPct), models.LockSideAny)
	return err
}

// MaxDrawdown returns the deepest peak-to-trough fall of the cumulative sum
// of returns, in the same units. The running peak starts at zero.
func MaxDrawdown(returns []float64) float64 {
	cum, peak, worst := 0.0, 0.0, 0.0
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}
