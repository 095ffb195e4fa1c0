package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"equity-trader/internal/errors"
	"equity-trader/internal/models"
	"equity-trader/internal/security"
	"equity-trader/internal/store"
	"equity-trader/internal/trading"
	"equity-trader/pkg/utils"
)

// orderTimeout bounds one buy or close including the fill wait, the stop
// settlement delay and protective order placement.
const orderTimeout = 2 * time.Minute

// addTradingCommands adds trading commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBuyCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
}

// orderResultView is the JSON shape of an OrderResult.
type orderResultView struct {
	Success           bool    `json:"success"`
	Reason            string  `json:"reason,omitempty"`
	Symbol            string  `json:"symbol"`
	OrderID           string  `json:"order_id,omitempty"`
	ExternalID        string  `json:"external_id,omitempty"`
	Side              string  `json:"side,omitempty"`
	Shares            float64 `json:"shares,omitempty"`
	FillPrice         float64 `json:"fill_price,omitempty"`
	StopLossPrice     float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice   float64 `json:"take_profit_price,omitempty"`
	StopOrderID       string  `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string  `json:"take_profit_order_id,omitempty"`
	PnL               float64 `json:"pnl,omitempty"`
	PnLPct            float64 `json:"pnl_pct,omitempty"`
	Slippage          float64 `json:"slippage,omitempty"`
	Unprotected       bool    `json:"unprotected,omitempty"`
	DryRun            bool    `json:"dry_run"`
}

func viewOrderResult(r trading.OrderResult) orderResultView {
	return orderResultView{
		Success:           r.Success,
		Reason:            r.Reason,
		Symbol:            r.Symbol,
		OrderID:           r.OrderID,
		ExternalID:        r.ExternalID,
		Side:              string(r.Side),
		Shares:            r.Shares,
		FillPrice:         r.FillPrice,
		StopLossPrice:     r.StopLossPrice,
		TakeProfitPrice:   r.TakeProfitPrice,
		StopOrderID:       r.StopOrderID,
		TakeProfitOrderID: r.TakeProfitOrderID,
		PnL:               r.PnL,
		PnLPct:            r.PnLPct,
		Slippage:          r.Slippage,
		Unprotected:       r.Unprotected,
		DryRun:            r.DryRun,
	}
}

func newBuyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buy <symbol> <shares>",
		Short: "Open a position with a protective stop",
		Long: `Open a position with a market order, then place a stop-loss and an
optional take-profit order once the entry fills.

The buy is refused when the symbol already has an open position, when it is
locked by a protection rule, or when risk limits would be exceeded.`,
		Example: `  trader buy AAPL 10
  trader buy MSFT 5 --price 410 --stop-loss 4 --take-profit 12 --sector tech
  trader buy NVDA 2 --take-profit -1 --live`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), orderTimeout)
			defer cancel()

			symbol, err := app.parseSymbol(ctx, output, args[0])
			if err != nil {
				return err
			}
			shares, err := strconv.ParseFloat(args[1], 64)
			if err != nil || shares <= 0 {
				app.Audit.LogInputValidation(ctx, "shares", args[1], "not a positive number")
				output.Error("Invalid share count: %s", args[1])
				return fmt.Errorf("%w: %s", errors.ErrInvalidQuantity, args[1])
			}

			price, _ := cmd.Flags().GetFloat64("price")
			stopLoss, _ := cmd.Flags().GetFloat64("stop-loss")
			takeProfit, _ := cmd.Flags().GetFloat64("take-profit")
			sector, _ := cmd.Flags().GetString("sector")
			conviction, _ := cmd.Flags().GetFloat64("conviction")
			reasoning, _ := cmd.Flags().GetString("reasoning")
			if err := app.checkText(ctx, output, "reasoning", reasoning, 2000); err != nil {
				return err
			}
			model, _ := cmd.Flags().GetString("model")
			skipRisk, _ := cmd.Flags().GetBool("skip-risk")

			if app.Paper != nil && price > 0 {
				app.Paper.SetPrice(symbol, price)
			}
			if price <= 0 {
				price, err = app.Prices.LatestPrice(ctx, symbol)
				if err != nil {
					output.Error("No price for %s: %v", symbol, err)
					return err
				}
			}

			if !skipRisk {
				decision, err := app.checkRisk(ctx, trading.TradeProposal{
					Symbol:      symbol,
					Side:        models.OrderSideBuy,
					Shares:      shares,
					Price:       price,
					StopLossPct: stopLoss,
					Sector:      sector,
				})
				if err != nil {
					output.Error("Risk check failed: %v", err)
					return err
				}
				if !decision.Allowed {
					output.Error("Rejected by risk guard: %s", decision.Reason)
					return fmt.Errorf("%s: %s", symbol, decision.Reason)
				}
			}

			if !output.IsJSON() {
				output.Bold("Buy %s", symbol)
				output.Printf("  Shares: %s\n", utils.FormatShares(shares))
				output.Printf("  Price:  %s\n", FormatPrice(price))
				if app.Orders.DryRun() {
					output.Warning("DRY RUN: no order reaches the exchange")
				}
				output.Println()
			}

			result := app.Orders.ExecuteBuy(ctx, trading.BuyParams{
				Symbol:        symbol,
				Shares:        shares,
				Price:         price,
				StopLossPct:   stopLoss,
				TakeProfitPct: takeProfit,
				Conviction:    conviction,
				Sector:        sector,
				AIModel:       model,
				AIReasoning:   reasoning,
			})
			return printOrderResult(output, result)
		},
	}

	cmd.Flags().Float64P("price", "p", 0, "Decision price (0 looks up the live price)")
	cmd.Flags().Float64("stop-loss", 0, "Stop-loss distance in percent (0 uses execution.stop_loss_pct)")
	cmd.Flags().Float64("take-profit", 0, "Take-profit distance in percent (0 uses config, negative disables)")
	cmd.Flags().String("sector", "", "Sector used by the risk guard's concentration limits")
	cmd.Flags().Float64("conviction", 0, "Conviction score recorded on the trade")
	cmd.Flags().String("model", "", "Name of the model that proposed the trade")
	cmd.Flags().String("reasoning", "", "Reasoning recorded on the trade")
	cmd.Flags().Bool("skip-risk", false, "Skip pre-trade risk admission")

	return cmd
}

func newCloseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <symbol>",
		Short: "Close an open position",
		Long: `Cancel the position's protective orders and sell it at market.

The reason is recorded on the trade and drives the protection rules; a
reason mentioning a stop loss counts toward the stop-loss guard.`,
		Example: `  trader close AAPL
  trader close MSFT --reason "stop loss hit" --price 392.10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), orderTimeout)
			defer cancel()

			symbol, err := app.parseSymbol(ctx, output, args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			if err := app.checkText(ctx, output, "reason", reason, 200); err != nil {
				return err
			}
			price, _ := cmd.Flags().GetFloat64("price")

			if app.Paper != nil && price > 0 {
				app.Paper.SetPrice(symbol, price)
			}

			result := app.Orders.ExecuteClose(ctx, trading.CloseParams{
				Symbol: symbol,
				Reason: reason,
				Price:  price,
			})
			return printOrderResult(output, result)
		},
	}

	cmd.Flags().StringP("reason", "r", "manual", "Exit reason")
	cmd.Flags().Float64P("price", "p", 0, "Decision price for slippage (0 looks up the live price)")

	return cmd
}

// parseSymbol normalizes and validates a ticker argument.
func (a *App) parseSymbol(ctx context.Context, output *Output, raw string) (string, error) {
	symbol := security.NormalizeSymbol(raw)
	if err := security.ValidateSymbol(symbol); err != nil {
		a.Audit.LogInputValidation(ctx, "symbol", raw, err.Error())
		output.Error("Invalid symbol %q: %v", raw, err)
		return "", err
	}
	return symbol, nil
}

func (a *App) checkText(ctx context.Context, output *Output, field, text string, maxLen int) error {
	if err := security.ValidateText(field, text, maxLen); err != nil {
		a.Audit.LogInputValidation(ctx, field, text, err.Error())
		output.Error("%v", err)
		return err
	}
	return nil
}

// checkRisk builds a portfolio snapshot and runs the admission checks.
func (a *App) checkRisk(ctx context.Context, p trading.TradeProposal) (trading.RiskDecision, error) {
	positions, err := a.Ledger.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return trading.RiskDecision{}, err
	}
	cash, err := a.Cash.AvailableCash(ctx)
	if err != nil {
		return trading.RiskDecision{}, err
	}
	return a.Risk.ValidateTrade(p, trading.BuildSnapshot(positions, cash, 0, 0)), nil
}

func printOrderResult(output *Output, r trading.OrderResult) error {
	if output.IsJSON() {
		if err := output.JSON(viewOrderResult(r)); err != nil {
			return err
		}
		return resultErr(r)
	}

	if !r.Success {
		output.Error("%s failed: %s", r.Symbol, r.Reason)
		return resultErr(r)
	}

	output.Success("%s %s %s @ %s", r.Side, utils.FormatShares(r.Shares), r.Symbol, FormatPrice(r.FillPrice))
	output.Printf("  Order:       %s (%s)\n", r.OrderID, r.ExternalID)
	if r.StopOrderID != "" {
		output.Printf("  Stop Loss:   %s (%s)\n", FormatPrice(r.StopLossPrice), r.StopOrderID)
	}
	if r.TakeProfitOrderID != "" {
		output.Printf("  Take Profit: %s (%s)\n", FormatPrice(r.TakeProfitPrice), r.TakeProfitOrderID)
	}
	if r.Side == models.OrderSideSell {
		output.Printf("  P&L:         %s (%s)\n", output.FormatPnL(r.PnL), output.FormatPercent(r.PnLPct))
	}
	if r.Slippage != 0 {
		output.Printf("  Slippage:    %s\n", utils.FormatPnL(r.Slippage))
	}
	if r.Unprotected {
		output.Error("POSITION IS UNPROTECTED: no stop-loss is working on the exchange. Intervene manually.")
	}
	return nil
}

// resultErr turns a failed result into a command error.
func resultErr(r trading.OrderResult) error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("%s: %s", r.Symbol, r.Reason)
}
