// Package main is the entry point for the vmsim datacenter simulator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/vmsim/internal/config"
	"github.com/limiquantix/vmsim/internal/report"
	"github.com/limiquantix/vmsim/internal/simulation"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	jsonOutput := flag.Bool("json", false, "Print results as JSON instead of tables")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("vmsim datacenter simulator")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting vmsim",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	sinks := report.Fanout{report.NewLogSink(logger)}
	var publisher *report.RedisPublisher
	if cfg.Redis.Enabled {
		publisher, err = report.NewRedisPublisher(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, publishing to the log only", zap.Error(err))
		} else {
			sinks = append(sinks, publisher)
		}
	}
	defer sinks.Close()

	sim, err := simulation.New(cfg, sinks, logger)
	if err != nil {
		logger.Fatal("Failed to build simulation", zap.Error(err))
	}

	results, err := sim.Run(ctx)
	if err != nil {
		logger.Fatal("Simulation error", zap.Error(err))
	}

	if publisher != nil {
		if err := publisher.StoreSummary(ctx, results.RunID, results); err != nil {
			logger.Warn("Failed to store run summary", zap.Error(err))
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			logger.Fatal("Failed to encode results", zap.Error(err))
		}
	} else {
		results.PrintCloudlets(os.Stdout)
		results.PrintHosts(os.Stdout)
		results.PrintSummary(os.Stdout)
	}

	logger.Info("Simulation finished", zap.String("run_id", results.RunID))
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
