package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"equity-trader/internal/models"
	"equity-trader/internal/store"
)

// addLockCommands adds pair lock management commands.
func addLockCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Pair lock management",
		Long: `Inspect and manage the time-bounded locks that block new entries.

Locks are installed by the protection rules after closes, or by hand. They
are deactivated, never deleted, so 'locks list --all' shows the history.`,
	}

	cmd.AddCommand(newLocksListCmd(app))
	cmd.AddCommand(newLockCmd(app))
	cmd.AddCommand(newUnlockCmd(app))
	cmd.AddCommand(newLocksCleanupCmd(app))
	rootCmd.AddCommand(cmd)
}

func newLocksListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var locks []models.PairLock
			var err error
			if all, _ := cmd.Flags().GetBool("all"); all {
				locks, err = app.Ledger.ListLocks(ctx, store.LockFilter{})
			} else {
				locks, err = app.Locks.GetActiveLocks(ctx)
			}
			if err != nil {
				output.Error("Failed to list locks: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(locks)
			}
			if len(locks) == 0 {
				output.Dim("No locks")
				return nil
			}

			now := time.Now()
			table := NewTable(output, "SYMBOL", "SIDE", "REASON", "UNTIL", "REMAINING", "ACTIVE")
			for i := range locks {
				l := &locks[i]
				remaining := "-"
				if l.InEffect(now) {
					remaining = FormatDuration(l.LockEnd.Sub(now))
				}
				table.AddRow(
					lockTarget(l),
					string(l.Side),
					TruncateString(l.Reason, 40),
					FormatDateTime(l.LockEnd),
					remaining,
					fmt.Sprintf("%v", l.Active),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "Include expired and released locks")

	return cmd
}

func newLockCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <symbol|ALL>",
		Short: "Lock a symbol, or the whole book",
		Example: `  trader locks lock TSLA --minutes 120 --reason "earnings"
  trader locks lock ALL --minutes 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			minutes, _ := cmd.Flags().GetInt("minutes")
			reason, _ := cmd.Flags().GetString("reason")
			side, _ := cmd.Flags().GetString("side")

			if err := app.checkText(ctx, output, "reason", reason, 200); err != nil {
				return err
			}

			var lock *models.PairLock
			var err error
			if target := strings.ToUpper(args[0]); target == "ALL" || target == models.GlobalLockSymbol {
				lock, err = app.Locks.LockGlobal(ctx, minutes, reason)
			} else {
				symbol, verr := app.parseSymbol(ctx, output, args[0])
				if verr != nil {
					return verr
				}
				lock, err = app.Locks.LockPair(ctx, symbol, minutes, reason, models.LockSide(side))
			}
			if err != nil {
				output.Error("Failed to lock %s: %v", strings.ToUpper(args[0]), err)
				return err
			}
			app.Audit.LogLockCreated(ctx, lock.Symbol, lock.Reason, lock.LockEnd)
			if output.IsJSON() {
				return output.JSON(lock)
			}
			output.Success("Locked %s until %s", lockTarget(lock), FormatDateTime(lock.LockEnd))
			return nil
		},
	}

	cmd.Flags().IntP("minutes", "m", 60, "Lock duration in minutes")
	cmd.Flags().StringP("reason", "r", "manual", "Lock reason")
	cmd.Flags().String("side", string(models.LockSideAny), "Side the lock applies to (*, long, short)")

	return cmd
}

func newUnlockCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <symbol|ALL>",
		Short: "Release every active lock on a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			symbol := strings.ToUpper(args[0])
			if symbol == "ALL" {
				symbol = models.GlobalLockSymbol
			} else if symbol != models.GlobalLockSymbol {
				var err error
				if symbol, err = app.parseSymbol(ctx, output, args[0]); err != nil {
					return err
				}
			}
			n, err := app.Locks.UnlockPair(ctx, symbol)
			if err != nil {
				output.Error("Failed to unlock %s: %v", args[0], err)
				return err
			}
			app.Audit.LogLockReleased(ctx, symbol, n)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "released": n})
			}
			output.Success("Released %d lock(s) on %s", n, strings.ToUpper(args[0]))
			return nil
		},
	}
}

func newLocksCleanupCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Deactivate expired locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			n, err := app.Locks.CleanupExpired(cmd.Context())
			if err != nil {
				output.Error("Cleanup failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"deactivated": n})
			}
			output.Success("Deactivated %d expired lock(s)", n)
			return nil
		},
	}
}
