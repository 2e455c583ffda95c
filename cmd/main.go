package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"wemoemu/internal/api"
	"wemoemu/internal/config"
	_ "wemoemu/internal/drivers/all"
	"wemoemu/internal/supervisor"
	"wemoemu/internal/telemetry"
	"wemoemu/pkg/driver"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load environment variables
	envErr := godotenv.Load()

	// Initialize logger
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	envLevel := os.Getenv(config.EnvLogLevel)
	if envLevel != "" {
		setLevel(level, envLevel, logger)
	}
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	loader := config.NewLoader(config.PathFromEnv(), logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return 1
	}
	if envLevel == "" && cfg.Server.LogLevel != "" {
		setLevel(level, cfg.Server.LogLevel, logger)
	}

	logger.Info("Starting Wemo emulator",
		zap.Int("devices", len(cfg.Devices)),
		zap.Strings("drivers", driver.Names()))

	opts := supervisor.Options{
		Host:           cfg.Server.Host,
		CommandTimeout: cfg.Server.CommandTimeout,
		ShutdownGrace:  cfg.Server.ShutdownGrace,
	}

	if cfg.Telemetry.Enabled() {
		recorder, err := telemetry.NewRecorder(cfg.Telemetry, logger)
		if err != nil {
			logger.Error("Failed to create telemetry recorder", zap.Error(err))
			return 1
		}
		defer recorder.Close()
		opts.Observer = recorder
	}

	sup := supervisor.New(driver.Global(), logger, opts)
	if err := sup.Start(context.Background(), cfg.Devices); err != nil {
		for _, f := range sup.Failures() {
			logger.Error("Device failed to start", zap.String("reason", f.Error()))
		}
		logger.Error("Failed to start devices", zap.Error(err))
		sup.Stop(context.Background())
		return 1
	}
	for _, f := range sup.Failures() {
		logger.Warn("Device failed to start", zap.String("reason", f.Error()))
	}

	var apiServer *api.Server
	if cfg.Server.APIPort != 0 {
		apiServer = api.NewServer(sup, logger, cfg.Server.Host, cfg.Server.APIPort)
		if err := apiServer.Start(); err != nil {
			logger.Warn("Operator API disabled", zap.Error(err))
			apiServer = nil
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	signal.Stop(sigChan)

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		err := apiServer.Stop(ctx)
		cancel()
		if err != nil {
			logger.Warn("Failed to stop operator API", zap.Error(err))
		}
	}

	if err := sup.Stop(context.Background()); err != nil {
		if errors.Is(err, supervisor.ErrForcedShutdown) {
			logger.Error("Shutdown was forced", zap.Error(err))
			return 1
		}
		logger.Error("Shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("Shutdown complete")
	return 0
}

func setLevel(level zap.AtomicLevel, text string, logger *zap.Logger) {
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(text)))); err != nil {
		logger.Warn("Ignoring invalid log level", zap.String("level", text), zap.Error(err))
	}
}
