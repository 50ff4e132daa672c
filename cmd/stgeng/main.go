// Package main is the entry point for the strategy engine.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tathienbao/stgeng/internal/config"
	"github.com/tathienbao/stgeng/internal/strategy"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`stgeng - event-driven strategy engine

Usage:
  stgeng <command> [options]

Commands:
  run        Start the engine with the configured strategy instances
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  stgeng run --config stgeng.yaml
  stgeng validate --config stgeng.yaml

Use "stgeng <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("stgeng version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "stgeng.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if _, err := strategy.Factory(cfg.Strategy.Name, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	for _, inst := range cfg.Strategy.Instances {
		if _, err := strategy.ParseParams(inst.Params); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: instance %d: %v\n", inst.ID, err)
			os.Exit(1)
		}
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Strategy:   %s (stg_id %d)\n", cfg.Strategy.Name, cfg.Strategy.StgID)
	fmt.Printf("  Instances:  %d\n", len(cfg.Strategy.Instances))
	fmt.Printf("  Symbols:    %d\n", len(cfg.Symbols))
	fmt.Printf("  Venue:      %s\n", cfg.Venue.Type)
	fmt.Printf("  Feeds:      kafka=%d websocket=%d replay=%d\n",
		len(cfg.Feeds.Kafka), len(cfg.Feeds.Websocket), len(cfg.Feeds.Replay))
}

// newLogger builds the process logger from the app log settings.
func newLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("app", cfg.Name)
}
