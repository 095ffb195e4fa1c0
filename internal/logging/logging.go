// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		FilePath:   filepath.Join(home, ".config", "equity-trader", "logs", "trader.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	// File writer with rotation
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogOrderTransition logs an order moving between lifecycle states.
func LogOrderTransition(logger zerolog.Logger, orderID, externalID, symbol, tag, from, to string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("external_id", externalID).
		Str("symbol", symbol).
		Str("tag", tag).
		Str("from", from).
		Str("to", to).
		Msg("Order update")
}

// LogFill logs a confirmed fill.
func LogFill(logger zerolog.Logger, symbol, side string, qty, price float64, dryRun bool) {
	logger.Info().
		Str("event", "fill").
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", qty).
		Float64("price", price).
		Bool("dry_run", dryRun).
		Msg("Order filled")
}

// LogLock logs a pair or global lock being installed.
func LogLock(logger zerolog.Logger, symbol, reason string, until time.Time) {
	logger.Warn().
		Str("event", "lock").
		Str("symbol", symbol).
		Str("reason", reason).
		Time("until", until).
		Msg("Trading locked")
}

// LogUnprotected logs, at the highest severity, a position left open on the
// exchange without a stop-loss. It does not terminate the process.
func LogUnprotected(logger zerolog.Logger, symbol string, shares float64, err error) {
	logger.WithLevel(zerolog.FatalLevel).
		Str("event", "unprotected_position").
		Str("symbol", symbol).
		Float64("shares", shares).
		Err(err).
		Msg("MANUAL INTERVENTION REQUIRED: position open without stop-loss")
}

// LogAPICall logs a brokerage API call.
func LogAPICall(logger zerolog.Logger, op string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("op", op).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
