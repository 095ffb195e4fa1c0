package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"equity-trader/internal/logging"
	"equity-trader/internal/trading"
)

// addEngineCommands adds reconciliation, evaluation and scheduler commands.
func addEngineCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSyncCmd(app))
	rootCmd.AddCommand(newEvaluateCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
}

func newSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile open orders with the exchange",
		Long: `Query the exchange for every local order that is not yet terminal and
apply the reported status. Simulated orders are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			res, err := app.Sync.SyncOpenOrders(cmd.Context())
			if err != nil {
				output.Error("Sync failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			printSyncResult(output, res)
			return nil
		},
	}
}

func printSyncResult(output *Output, res trading.SyncResult) {
	output.Bold("Order Sync")
	output.Printf("  Checked:   %d\n", res.Checked)
	output.Printf("  Updated:   %d\n", res.Updated)
	output.Printf("  Filled:    %d\n", res.Filled)
	output.Printf("  Cancelled: %d\n", res.Cancelled)
	output.Printf("  Failed:    %d\n", res.Failed)
	if res.Stale > 0 {
		output.Warning("  Stale:     %d", res.Stale)
	}
	if res.Errors > 0 {
		output.Error("  Errors:    %d", res.Errors)
	}
}

func newEvaluateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "evaluate",
		Aliases: []string{"eval"},
		Short:   "Run partial-exit and cost-averaging checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			res, err := app.Evaluator.Sweep(cmd.Context())
			if err != nil {
				output.Error("Evaluation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Bold("Evaluation")
			output.Printf("  Positions:     %d\n", res.Evaluated)
			output.Printf("  Partial Exits: %d\n", res.PartialExits)
			output.Printf("  DCA Buys:      %d\n", res.DCABuys)
			if res.Errors > 0 {
				output.Error("  Errors:        %d", res.Errors)
			}
			return nil
		},
	}
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation and evaluation loops",
		Long: `Run order sync, position evaluation and lock housekeeping on the
intervals in [scheduler] until interrupted. An interval of zero disables
that loop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if d, _ := cmd.Flags().GetDuration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			sched := app.Config.Scheduler
			logger := logging.WithComponent(app.Logger, "scheduler")
			logger.Info().
				Dur("sync_interval", sched.SyncInterval).
				Dur("evaluate_interval", sched.EvaluateInterval).
				Dur("cleanup_interval", sched.CleanupInterval).
				Bool("dry_run", app.Orders.DryRun()).
				Msg("Scheduler starting")
			if !output.IsJSON() {
				output.Info("Scheduler running, press Ctrl+C to stop")
			}

			err := app.runLoops(ctx)
			logger.Info().Msg("Scheduler stopped")
			return err
		},
	}

	cmd.Flags().Duration("for", 0, "Stop after this long (0 runs until interrupted)")

	return cmd
}

// runLoops runs the periodic jobs until ctx is done. Job failures are logged
// and do not stop their loop.
func (a *App) runLoops(ctx context.Context) error {
	sched := a.Config.Scheduler
	logger := logging.WithComponent(a.Logger, "scheduler")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, sched.SyncInterval, func(ctx context.Context) {
			res, err := a.Sync.SyncOpenOrders(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Order sync failed")
				return
			}
			if res.Checked > 0 {
				logger.Info().
					Int("checked", res.Checked).
					Int("filled", res.Filled).
					Int("cancelled", res.Cancelled).
					Int("failed", res.Failed).
					Int("errors", res.Errors).
					Msg("Orders synced")
			}
		})
	})

	g.Go(func() error {
		return every(ctx, sched.EvaluateInterval, func(ctx context.Context) {
			res, err := a.Evaluator.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Evaluation sweep failed")
				return
			}
			logger.Debug().
				Int("evaluated", res.Evaluated).
				Int("partial_exits", res.PartialExits).
				Int("dca_buys", res.DCABuys).
				Int("errors", res.Errors).
				Msg("Evaluation sweep done")
		})
	})

	g.Go(func() error {
		return every(ctx, sched.CleanupInterval, func(ctx context.Context) {
			if _, err := a.Locks.CleanupExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("Lock cleanup failed")
			}
		})
	})

	return g.Wait()
}

// every calls fn immediately and then on each tick until ctx is done. A
// non-positive interval disables the loop.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return nil
	}
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
