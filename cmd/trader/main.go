// Command trader runs the equity trade execution engine.
package main

import (
	"fmt"
	"os"

	"equity-trader/internal/cli"
	"equity-trader/internal/config"
	"equity-trader/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("TRADER_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.FilePath = cfg.Logging.File
	logger := logging.NewLoggerWithConfig(logCfg)

	if err := cli.Execute(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
