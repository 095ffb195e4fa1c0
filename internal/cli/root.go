// Package cli provides the command-line interface for the trade execution engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"equity-trader/internal/config"
	"equity-trader/internal/logging"
	"equity-trader/internal/security"
	"equity-trader/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// skipConnect marks commands that run without the ledger and brokerage.
const skipConnect = "skip-connect"

// Execute builds the command tree, runs it and releases every connection.
func Execute(cfg *config.Config, logger zerolog.Logger) error {
	app := newApp(cfg, logger)
	defer app.Close()
	return NewRootCmd(app).Execute()
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Equity trade execution engine",
		Long: `Trader opens, protects, scales and closes equity positions through a
brokerage API, keeping a durable ledger of every order and trade.

Orders are simulated unless execution.dry_run is false or --live is given.
Use 'trader run' to keep positions reconciled and evaluated on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			if cmd.Flags().Changed("live") {
				live, _ := cmd.Flags().GetBool("live")
				app.Config.Execution.DryRun = !live
			}
			if cmd.Annotations[skipConnect] != "" {
				return nil
			}
			return app.connect(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("live", false, "send real orders regardless of execution.dry_run")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addTradingCommands(rootCmd, app)
	addPortfolioCommands(rootCmd, app)
	addLockCommands(rootCmd, app)
	addEngineCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConnect: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Equity Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "show",
		Short:       "Show current configuration",
		Annotations: map[string]string{skipConnect: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration",
		Annotations: map[string]string{skipConnect: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConnect: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	mode := output.Green("dry run")
	if !cfg.Execution.DryRun {
		mode = output.Red("LIVE")
	}

	output.Bold("Execution")
	output.Printf("  Mode:             %s\n", mode)
	output.Printf("  Fill Timeout:     %ds\n", cfg.Execution.FillTimeoutSeconds)
	output.Printf("  Poll Interval:    %s\n", cfg.Execution.PollInterval)
	output.Printf("  Stop Loss:        %.1f%%\n", cfg.Execution.StopLossPct)
	output.Printf("  Take Profit:      %.1f%%\n", cfg.Execution.TakeProfitPct)
	output.Printf("  Segment:          %s\n", cfg.Execution.Segment)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max Positions:    %d\n", cfg.Risk.MaxOpenPositions)
	output.Printf("  Max Position:     %.1f%%\n", cfg.Risk.MaxPositionSizePct)
	output.Printf("  Risk Per Trade:   %.1f%%\n", cfg.Risk.MaxRiskPerTradePct)
	output.Printf("  Sector Positions: %d\n", cfg.Risk.MaxSectorPositions)
	output.Printf("  Sector Value:     %.1f%%\n", cfg.Risk.MaxSectorValuePct)
	output.Println()

	output.Bold("Scaling")
	output.Printf("  Partial Exits:    %v (%d tiers, breakeven stop %v)\n",
		cfg.PartialExit.Enabled, len(cfg.PartialExit.Tiers), cfg.PartialExit.MoveStopToBreakeven)
	output.Printf("  DCA:              %v (max %d rounds, %.1f%% apart)\n",
		cfg.DCA.Enabled, cfg.DCA.MaxRounds, cfg.DCA.DropPctPerRound)
	output.Println()

	p := cfg.Protections
	output.Bold("Protections")
	output.Printf("  Cooldown:         %v (%d min)\n", p.Cooldown.Enabled, p.Cooldown.DurationMinutes)
	output.Printf("  Stoploss Guard:   %v (%d stops in %d min)\n", p.StoplossGuard.Enabled, p.StoplossGuard.TradeLimit, p.StoplossGuard.LookbackMinutes)
	output.Printf("  Max Drawdown:     %v (%.1f%%)\n", p.MaxDrawdown.Enabled, p.MaxDrawdown.MaxDrawdownPct)
	output.Printf("  Low Profit:       %v (%.1f%% over %d trades)\n", p.LowProfit.Enabled, p.LowProfit.MinProfitPct, p.LowProfit.MinTrades)
	output.Println()

	output.Bold("Infrastructure")
	output.Printf("  Broker:           %s\n", cfg.Broker.Provider)
	if cfg.Broker.Provider == "alpaca" {
		key := security.MaskCredential(cfg.Credentials.AlpacaAPIKey)
		if key == "" {
			key = output.Red("not set")
		}
		output.Printf("  API Key:          %s\n", key)
	}
	if cfg.Broker.Provider == "paper" {
		output.Printf("  Paper Cash:       %s\n", utils.FormatCurrency(cfg.Broker.PaperCash))
	}
	output.Printf("  Ledger:           %s\n", cfg.Store.Path)
	if cfg.Cache.RedisAddr != "" {
		output.Printf("  Price Cache:      %s (ttl %s)\n", cfg.Cache.RedisAddr, cfg.Cache.PriceTTL)
	}
	output.Printf("  Log Level:        %s\n", logging.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.AuditFile != "" {
		output.Printf("  Audit Trail:      %s\n", cfg.Logging.AuditFile)
	}
}
