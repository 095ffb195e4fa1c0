package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"equity-trader/internal/models"
	"equity-trader/internal/store"
	"equity-trader/pkg/utils"
)

// addPortfolioCommands adds ledger inspection commands.
func addPortfolioCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "List open positions",
		Example: `  trader positions
  trader positions --refresh
  trader positions --unprotected`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
				if _, err := app.Orders.RefreshPrices(ctx); err != nil {
					output.Warning("Price refresh incomplete: %v", err)
				}
			}

			filter := store.PositionFilter{}
			if unprotected, _ := cmd.Flags().GetBool("unprotected"); unprotected {
				filter.Protection = models.ProtectionUnprotected
			}
			filter.Sector, _ = cmd.Flags().GetString("sector")

			positions, err := app.Ledger.ListPositions(ctx, filter)
			if err != nil {
				output.Error("Failed to list positions: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}

			table := NewTable(output, "SYMBOL", "SHARES", "ENTRY", "LAST", "P&L", "P&L %", "STOP", "TARGET", "DCA", "EXITS", "STATUS")
			total := 0.0
			for i := range positions {
				p := &positions[i]
				total += p.UnrealizedPnL
				table.AddRow(
					p.Symbol,
					utils.FormatShares(p.Shares),
					FormatPrice(p.EntryPrice),
					FormatPrice(p.CurrentPrice),
					output.FormatPnL(p.UnrealizedPnL),
					output.FormatPercent(p.UnrealizedPnLPct),
					FormatPrice(p.StopLossPrice),
					FormatPrice(p.TakeProfitPrice),
					strconv.Itoa(p.DCARounds),
					strconv.Itoa(p.PartialExits),
					output.FormatProtection(p.Protection),
				)
			}
			table.Render()
			output.Println()
			output.Printf("Unrealized P&L: %s\n", output.FormatPnL(total))
			return nil
		},
	}

	cmd.Flags().Bool("unprotected", false, "Only positions without a working stop-loss")
	cmd.Flags().String("sector", "", "Filter by sector")
	cmd.Flags().Bool("refresh", false, "Refresh prices before listing")

	return cmd
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List local order records",
		Example: `  trader orders --open
  trader orders --symbol AAPL --tag stoploss`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var orders []models.Order
			var err error
			if open, _ := cmd.Flags().GetBool("open"); open {
				orders, err = app.Ledger.ListOpenOrders(ctx)
			} else {
				symbol, _ := cmd.Flags().GetString("symbol")
				status, _ := cmd.Flags().GetString("status")
				tag, _ := cmd.Flags().GetString("tag")
				limit, _ := cmd.Flags().GetInt("limit")
				orders, err = app.Ledger.ListOrders(ctx, store.OrderFilter{
					Symbol: strings.ToUpper(symbol),
					Status: models.OrderStatus(status),
					Tag:    models.OrderTag(tag),
					Limit:  limit,
				})
			}
			if err != nil {
				output.Error("Failed to list orders: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}

			table := NewTable(output, "ID", "SYMBOL", "SIDE", "TYPE", "TAG", "QTY", "FILLED", "PRICE", "STATUS", "EXTERNAL", "UPDATED")
			for i := range orders {
				o := &orders[i]
				price := o.FilledPrice
				switch {
				case price > 0:
				case o.StopPrice > 0:
					price = o.StopPrice
				case o.LimitPrice > 0:
					price = o.LimitPrice
				default:
					price = o.RequestedPrice
				}
				table.AddRow(
					TruncateString(o.ID, 8),
					o.Symbol,
					string(o.Side),
					string(o.Type),
					string(o.Tag),
					utils.FormatShares(o.RequestedQty),
					utils.FormatShares(o.FilledQty),
					FormatPrice(price),
					output.FormatOrderStatus(o.Status),
					TruncateString(o.ExternalID, 16),
					FormatDateTime(o.UpdatedAt),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Bool("open", false, "Only orders not yet terminal")
	cmd.Flags().StringP("symbol", "s", "", "Filter by symbol")
	cmd.Flags().String("status", "", "Filter by status (pending, open, partially_filled, filled, cancelled, failed)")
	cmd.Flags().String("tag", "", "Filter by tag (entry, stoploss, take_profit, partial_exit, dca, exit)")
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of orders")

	return cmd
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List executed trade legs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			symbol, _ := cmd.Flags().GetString("symbol")
			limit, _ := cmd.Flags().GetInt("limit")
			trades, err := app.Ledger.ListTrades(cmd.Context(), store.TradeFilter{
				Symbol:     strings.ToUpper(symbol),
				Limit:      limit,
				Descending: true,
			})
			if err != nil {
				output.Error("Failed to list trades: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades")
				return nil
			}

			table := NewTable(output, "WHEN", "SYMBOL", "SIDE", "SHARES", "ENTRY", "EXIT", "P&L", "P&L %", "TAG", "DRY")
			realized := 0.0
			for i := range trades {
				t := &trades[i]
				when := t.CreatedAt
				pnl, pct, exit := "", "", "-"
				if t.Side == models.OrderSideSell {
					realized += t.PnL
					pnl = output.FormatPnL(t.PnL)
					pct = output.FormatPercent(t.PnLPct)
					exit = FormatPrice(t.ExitPrice)
					if t.ExitTime != nil {
						when = *t.ExitTime
					}
				}
				dry := ""
				if t.DryRun {
					dry = "yes"
				}
				table.AddRow(
					FormatDateTime(when),
					t.Symbol,
					string(t.Side),
					utils.FormatShares(t.Shares),
					FormatPrice(t.EntryPrice),
					exit,
					pnl,
					pct,
					string(t.ExitTag),
					dry,
				)
			}
			table.Render()
			output.Println()
			output.Printf("Realized P&L: %s\n", output.FormatPnL(realized))
			return nil
		},
	}

	cmd.Flags().StringP("symbol", "s", "", "Filter by symbol")
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of trades")

	return cmd
}
