package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"equity-trader/internal/broker"
	"equity-trader/internal/config"
	"equity-trader/internal/errors"
	"equity-trader/internal/logging"
	"equity-trader/internal/resilience"
	"equity-trader/internal/security"
	"equity-trader/internal/store"
	"equity-trader/internal/trading"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Ledger *store.SQLiteStore
	Client broker.Client
	Prices broker.PriceSource
	Cash   broker.CashSource
	// Paper is set when the paper exchange backs Client.
	Paper *broker.PaperBroker

	Locks     *trading.PairLockManager
	Protect   *trading.ProtectionManager
	Risk      *trading.RiskGuard
	Orders    *trading.OrderManager
	Partial   *trading.PartialExitManager
	DCA       *trading.DCAManager
	Evaluator *trading.Evaluator
	Sync      *trading.OrderSynchronizer

	// Audit is nil when the audit trail is disabled.
	Audit *security.AuditLogger

	redis *redis.Client
}

func newApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

// connect opens the ledger and brokerage and builds the trading services.
// It is a no-op once connected.
func (a *App) connect(ctx context.Context) error {
	if a.Ledger != nil {
		return nil
	}
	cfg := a.Config

	ledger, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	var client broker.Client
	switch cfg.Broker.Provider {
	case "alpaca":
		creds := cfg.Credentials
		if creds.AlpacaAPIKey == "" || creds.AlpacaAPISecret == "" {
			ledger.Close()
			return fmt.Errorf("ALPACA_API_KEY and ALPACA_API_SECRET must be set: %w", errors.ErrConfigInvalid)
		}
		alpacaClient := broker.NewAlpacaClient(broker.AlpacaConfig{
			APIKey:    creds.AlpacaAPIKey,
			APISecret: creds.AlpacaAPISecret,
			BaseURL:   creds.AlpacaBaseURL,
		})
		client, a.Prices, a.Cash = alpacaClient, alpacaClient, alpacaClient
		a.Logger.Debug().Msg("Alpaca broker initialized")
	default:
		a.Paper = broker.NewPaperBroker(broker.PaperConfig{InitialCash: cfg.Broker.PaperCash})
		client, a.Prices, a.Cash = a.Paper, a.Paper, a.Paper
		a.Logger.Debug().Float64("cash", cfg.Broker.PaperCash).Msg("Paper exchange initialized")
	}

	if cfg.Logging.AuditFile != "" {
		audit, err := security.NewAuditLogger(security.DefaultAuditConfig(cfg.Logging.AuditFile))
		if err != nil {
			a.Logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Audit trail unavailable")
		} else {
			a.Audit = audit
			client = security.NewAuditedClient(client, audit)
		}
	}

	breaker := resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Broker.FailureThreshold,
		SuccessThreshold: 1,
		Timeout:          cfg.Broker.BreakerTimeout,
	})
	a.Client = broker.NewGuardedClient(client, breaker, logging.WithComponent(a.Logger, "broker")).
		WithRateLimit(cfg.Broker.RequestsPerSec, cfg.Broker.RequestBurst)

	if cfg.Cache.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		rdb, err := broker.NewRedisClient(pingCtx, broker.RedisConfig{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		cancel()
		if err != nil {
			a.Logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("Price cache unavailable, using live prices")
		} else {
			a.redis = rdb
			a.Prices = broker.NewCachedPrices(rdb, a.Prices, cfg.Cache.PriceTTL, logging.WithComponent(a.Logger, "price_cache"))
		}
	}

	a.Ledger = ledger
	a.Locks = trading.NewPairLockManager(ledger, a.Logger)
	a.Protect = trading.NewProtectionManager(ledger, a.Locks, cfg.Protections, a.Logger)
	a.Risk = trading.NewRiskGuard(cfg.Risk, cfg.Execution.StopLossPct)
	a.Orders = trading.NewOrderManager(ledger, a.Client, a.Prices, a.Protect, cfg.Execution, a.Logger)
	a.Partial = trading.NewPartialExitManager(a.Orders, cfg.PartialExit, a.Logger)
	a.DCA = trading.NewDCAManager(a.Orders, cfg.DCA, a.Logger)
	a.Evaluator = trading.NewEvaluator(a.Orders, a.Partial, a.DCA, a.Cash, a.Logger)
	a.Sync = trading.NewOrderSynchronizer(ledger, a.Client, a.Protect, a.Logger)

	a.Logger.Debug().
		Str("ledger", cfg.Store.Path).
		Str("broker", cfg.Broker.Provider).
		Bool("dry_run", cfg.Execution.DryRun).
		Msg("Engine connected")
	return nil
}

// Close releases the ledger, cache and audit trail.
func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
	if a.Audit != nil {
		a.Audit.Close()
		a.Audit = nil
	}
	if a.Ledger == nil {
		return nil
	}
	err := a.Ledger.Close()
	a.Ledger = nil
	return err
}
