// Package config provides configuration management for the trade execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"equity-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Risk        RiskConfig        `mapstructure:"risk"`
	PartialExit PartialExitConfig `mapstructure:"partial_exit"`
	DCA         DCAConfig         `mapstructure:"dca"`
	Protections ProtectionConfig  `mapstructure:"protections"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Store       StoreConfig       `mapstructure:"store"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Credentials Credentials       `mapstructure:"-" json:"-"` // Loaded from the environment
}

// ExecutionConfig controls how orders are sent and confirmed.
type ExecutionConfig struct {
	DryRun              bool          `mapstructure:"dry_run"`
	FillTimeoutSeconds  int           `mapstructure:"fill_timeout_seconds"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	StopSettlementDelay time.Duration `mapstructure:"stop_settlement_delay"`
	StopLossPct         float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64       `mapstructure:"take_profit_pct"`
	Segment             string        `mapstructure:"segment"`
}

// RiskConfig holds pre-trade admission limits.
type RiskConfig struct {
	MaxOpenPositions   int     `mapstructure:"max_open_positions"`
	MaxPositionSizePct float64 `mapstructure:"max_position_size_pct"`
	MaxRiskPerTradePct float64 `mapstructure:"max_risk_per_trade_pct"`
	MaxSectorPositions int     `mapstructure:"max_sector_positions"`
	MaxSectorValuePct  float64 `mapstructure:"max_sector_value_pct"`
	MaxDailyLossPct    float64 `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `mapstructure:"max_drawdown_pct"`
}

// PartialExitTier sells SellPct of the position once the gain reaches PctGain.
// Both are fractions (0.05 = 5%).
type PartialExitTier struct {
	PctGain float64 `mapstructure:"pct_gain"`
	SellPct float64 `mapstructure:"sell_pct"`
}

// PartialExitConfig holds scale-out configuration.
type PartialExitConfig struct {
	Enabled             bool              `mapstructure:"enabled"`
	MoveStopToBreakeven bool              `mapstructure:"move_stop_to_breakeven"`
	Tiers               []PartialExitTier `mapstructure:"tiers"`
}

// DCAConfig holds cost-averaging configuration.
type DCAConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxRounds         int     `mapstructure:"max_rounds"`
	DropPctPerRound   float64 `mapstructure:"drop_pct_per_round"`
	SizeMultiplier    float64 `mapstructure:"size_multiplier"`
	MinMinutesBetween int     `mapstructure:"min_minutes_between"`
}

// ProtectionConfig groups the circuit-breaker rules run after every close.
type ProtectionConfig struct {
	Cooldown      CooldownConfig      `mapstructure:"cooldown"`
	StoplossGuard StoplossGuardConfig `mapstructure:"stoploss_guard"`
	MaxDrawdown   MaxDrawdownConfig   `mapstructure:"max_drawdown"`
	LowProfit     LowProfitConfig     `mapstructure:"low_profit"`
}

// CooldownConfig locks a symbol for a fixed time after any close.
type CooldownConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	DurationMinutes int  `mapstructure:"duration_minutes"`
}

// StoplossGuardConfig locks after repeated stop-loss exits.
type StoplossGuardConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	LookbackMinutes int  `mapstructure:"lookback_minutes"`
	TradeLimit      int  `mapstructure:"trade_limit"`
	LockMinutes     int  `mapstructure:"lock_minutes"`
	OnlyPerPair     bool `mapstructure:"only_per_pair"`
}

// MaxDrawdownConfig locks the book when realized drawdown is too deep.
type MaxDrawdownConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	LookbackMinutes int     `mapstructure:"lookback_minutes"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`
	LockMinutes     int     `mapstructure:"lock_minutes"`
}

// LowProfitConfig locks symbols that keep losing.
type LowProfitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	LookbackMinutes int     `mapstructure:"lookback_minutes"`
	MinTrades       int     `mapstructure:"min_trades"`
	MinProfitPct    float64 `mapstructure:"min_profit_pct"`
	LockMinutes     int     `mapstructure:"lock_minutes"`
}

// BrokerConfig selects and tunes the brokerage client.
type BrokerConfig struct {
	Provider         string        `mapstructure:"provider"` // alpaca, paper
	PaperCash        float64       `mapstructure:"paper_cash"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"` // 0 disables throttling
	RequestBurst     int           `mapstructure:"request_burst"`
}

// StoreConfig locates the ledger database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the optional Redis price cache.
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	PriceTTL  time.Duration `mapstructure:"price_ttl"`
}

// SchedulerConfig holds the periodic sweep intervals for the run command.
type SchedulerConfig struct {
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`

	// AuditFile receives one JSON line per order sent to the exchange.
	// Empty disables the audit trail.
	AuditFile string `mapstructure:"audit_file"`
}

// Credentials holds brokerage API credentials.
type Credentials struct {
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/equity-trader"
	}
	return filepath.Join(home, ".config", "equity-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	SetDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, fmt.Errorf("creating config template: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// SetDefaults registers a default for every knob.
func SetDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("execution.dry_run", true)
	v.SetDefault("execution.fill_timeout_seconds", 30)
	v.SetDefault("execution.poll_interval", 500*time.Millisecond)
	v.SetDefault("execution.stop_settlement_delay", 2*time.Second)
	v.SetDefault("execution.stop_loss_pct", 5.0)
	v.SetDefault("execution.take_profit_pct", 10.0)
	v.SetDefault("execution.segment", "taxable")

	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.max_position_size_pct", 10.0)
	v.SetDefault("risk.max_risk_per_trade_pct", 2.0)
	v.SetDefault("risk.max_sector_positions", 3)
	v.SetDefault("risk.max_sector_value_pct", 30.0)
	v.SetDefault("risk.max_daily_loss_pct", 3.0)
	v.SetDefault("risk.max_drawdown_pct", 15.0)

	v.SetDefault("partial_exit.enabled", true)
	v.SetDefault("partial_exit.move_stop_to_breakeven", true)
	v.SetDefault("partial_exit.tiers", []map[string]interface{}{
		{"pct_gain": 0.05, "sell_pct": 0.25},
		{"pct_gain": 0.10, "sell_pct": 0.50},
	})

	v.SetDefault("dca.enabled", false)
	v.SetDefault("dca.max_rounds", 3)
	v.SetDefault("dca.drop_pct_per_round", 5.0)
	v.SetDefault("dca.size_multiplier", 1.0)
	v.SetDefault("dca.min_minutes_between", 60)

	v.SetDefault("protections.cooldown.enabled", true)
	v.SetDefault("protections.cooldown.duration_minutes", 30)
	v.SetDefault("protections.stoploss_guard.enabled", true)
	v.SetDefault("protections.stoploss_guard.lookback_minutes", 1440)
	v.SetDefault("protections.stoploss_guard.trade_limit", 3)
	v.SetDefault("protections.stoploss_guard.lock_minutes", 360)
	v.SetDefault("protections.stoploss_guard.only_per_pair", false)
	v.SetDefault("protections.max_drawdown.enabled", true)
	v.SetDefault("protections.max_drawdown.lookback_minutes", 10080)
	v.SetDefault("protections.max_drawdown.max_drawdown_pct", 25.0)
	v.SetDefault("protections.max_drawdown.lock_minutes", 1440)
	v.SetDefault("protections.low_profit.enabled", true)
	v.SetDefault("protections.low_profit.lookback_minutes", 10080)
	v.SetDefault("protections.low_profit.min_trades", 3)
	v.SetDefault("protections.low_profit.min_profit_pct", -5.0)
	v.SetDefault("protections.low_profit.lock_minutes", 2880)

	v.SetDefault("broker.provider", "paper")
	v.SetDefault("broker.paper_cash", 100000.0)
	v.SetDefault("broker.failure_threshold", 5)
	v.SetDefault("broker.breaker_timeout", 30*time.Second)
	v.SetDefault("broker.requests_per_sec", 3.0)
	v.SetDefault("broker.request_burst", 5)

	v.SetDefault("store.path", filepath.Join(configDir, "ledger.db"))

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.price_ttl", 5*time.Second)

	v.SetDefault("scheduler.sync_interval", time.Minute)
	v.SetDefault("scheduler.evaluate_interval", 5*time.Minute)
	v.SetDefault("scheduler.cleanup_interval", 15*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", filepath.Join(configDir, "logs", "trader.log"))
	v.SetDefault("logging.audit_file", filepath.Join(configDir, "logs", "audit.log"))
}

func applyEnvOverrides(cfg *Config) {
	cfg.Credentials.AlpacaAPIKey = os.Getenv("ALPACA_API_KEY")
	cfg.Credentials.AlpacaAPISecret = os.Getenv("ALPACA_API_SECRET")
	cfg.Credentials.AlpacaBaseURL = os.Getenv("ALPACA_BASE_URL")

	switch os.Getenv("TRADER_DRY_RUN") {
	case "true", "1":
		cfg.Execution.DryRun = true
	case "false", "0":
		cfg.Execution.DryRun = false
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("TRADER_BROKER"); v != "" {
		cfg.Broker.Provider = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Execution.FillTimeoutSeconds <= 0 {
		return errors.NewValidationError("execution.fill_timeout_seconds", c.Execution.FillTimeoutSeconds, "must be positive")
	}
	if c.Execution.PollInterval <= 0 {
		return errors.NewValidationError("execution.poll_interval", c.Execution.PollInterval, "must be positive")
	}
	if c.Execution.StopLossPct < 0 || c.Execution.StopLossPct >= 100 {
		return errors.NewValidationError("execution.stop_loss_pct", c.Execution.StopLossPct, "must be in [0, 100)")
	}
	if c.Execution.TakeProfitPct < 0 {
		return errors.NewValidationError("execution.take_profit_pct", c.Execution.TakeProfitPct, "must be non-negative")
	}

	for field, pct := range map[string]float64{
		"risk.max_position_size_pct":  c.Risk.MaxPositionSizePct,
		"risk.max_risk_per_trade_pct": c.Risk.MaxRiskPerTradePct,
		"risk.max_sector_value_pct":   c.Risk.MaxSectorValuePct,
		"risk.max_daily_loss_pct":     c.Risk.MaxDailyLossPct,
		"risk.max_drawdown_pct":       c.Risk.MaxDrawdownPct,
	} {
		if pct < 0 || pct > 100 {
			return errors.NewValidationError(field, pct, "must be between 0 and 100")
		}
	}

	tiers := c.PartialExit.Tiers
	for i, tier := range tiers {
		if tier.SellPct <= 0 || tier.SellPct >= 1 {
			return errors.NewValidationError(fmt.Sprintf("partial_exit.tiers[%d].sell_pct", i), tier.SellPct, "must be in (0, 1)")
		}
		if tier.PctGain <= 0 {
			return errors.NewValidationError(fmt.Sprintf("partial_exit.tiers[%d].pct_gain", i), tier.PctGain, "must be positive")
		}
	}
	if !sort.SliceIsSorted(tiers, func(i, j int) bool { return tiers[i].PctGain < tiers[j].PctGain }) {
		return errors.NewValidationError("partial_exit.tiers", len(tiers), "must be ordered by pct_gain")
	}

	if c.DCA.Enabled {
		if c.DCA.MaxRounds < 0 {
			return errors.NewValidationError("dca.max_rounds", c.DCA.MaxRounds, "must be non-negative")
		}
		if c.DCA.DropPctPerRound <= 0 {
			return errors.NewValidationError("dca.drop_pct_per_round", c.DCA.DropPctPerRound, "must be positive")
		}
		if c.DCA.SizeMultiplier <= 0 {
			return errors.NewValidationError("dca.size_multiplier", c.DCA.SizeMultiplier, "must be positive")
		}
	}

	switch c.Broker.Provider {
	case "alpaca", "paper":
	default:
		return errors.NewValidationError("broker.provider", c.Broker.Provider, "must be 'alpaca' or 'paper'")
	}
	if c.Broker.RequestsPerSec > 0 && c.Broker.RequestBurst < 1 {
		return errors.NewValidationError("broker.request_burst", c.Broker.RequestBurst, "must be at least 1 when throttling")
	}

	return nil
}

// FillTimeout returns the configured fill timeout as a duration.
func (c *ExecutionConfig) FillTimeout() time.Duration {
	return time.Duration(c.FillTimeoutSeconds) * time.Second
}
