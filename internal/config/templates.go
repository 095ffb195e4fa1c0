package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Equity Trader Configuration

[execution]
# Simulate fills locally instead of calling the brokerage
dry_run = true
# Seconds to wait for a market order to fill (polled twice per second)
fill_timeout_seconds = 30
poll_interval = "500ms"
# Delay between a fill and placing its protective stop
stop_settlement_delay = "2s"
# Protective order distances from the fill price, in percent
stop_loss_pct = 5.0
take_profit_pct = 10.0
# Account segment: taxable, tax_advantaged
segment = "taxable"

[risk]
max_open_positions = 10
max_position_size_pct = 10.0
max_risk_per_trade_pct = 2.0
max_sector_positions = 3
max_sector_value_pct = 30.0
max_daily_loss_pct = 3.0
max_drawdown_pct = 15.0

[partial_exit]
enabled = true
move_stop_to_breakeven = true

[[partial_exit.tiers]]
pct_gain = 0.05
sell_pct = 0.25

[[partial_exit.tiers]]
pct_gain = 0.10
sell_pct = 0.50

[dca]
enabled = false
max_rounds = 3
# Round n requires a drop of n * drop_pct_per_round below the original entry
drop_pct_per_round = 5.0
size_multiplier = 1.0
min_minutes_between = 60

[protections.cooldown]
enabled = true
duration_minutes = 30

[protections.stoploss_guard]
enabled = true
lookback_minutes = 1440
trade_limit = 3
lock_minutes = 360
# true locks only the symbol, false locks the whole book
only_per_pair = false

[protections.max_drawdown]
enabled = true
lookback_minutes = 10080
max_drawdown_pct = 25.0
lock_minutes = 1440

[protections.low_profit]
enabled = true
lookback_minutes = 10080
min_trades = 3
min_profit_pct = -5.0
lock_minutes = 2880

[broker]
# alpaca or paper
provider = "paper"
paper_cash = 100000.0
failure_threshold = 5
breaker_timeout = "30s"
# Alpaca allows 200 requests per minute; 0 disables throttling
requests_per_sec = 3.0
request_burst = 5

[cache]
# Leave empty to disable the Redis price cache
redis_addr = ""
price_ttl = "5s"

[scheduler]
sync_interval = "1m"
evaluate_interval = "5m"
cleanup_interval = "15m"

[logging]
level = "info"
console = true
# audit_file = "~/.config/equity-trader/logs/audit.log"
`

const envTemplate = `# Equity Trader Credentials
# Keep this file secure and never commit it to version control.

ALPACA_API_KEY=
ALPACA_API_SECRET=
# https://paper-api.alpaca.markets for paper accounts
ALPACA_BASE_URL=
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		if err := os.WriteFile(envPath, []byte(envTemplate), 0600); err != nil {
			return fmt.Errorf("writing credentials template: %w", err)
		}
	}

	return nil
}
