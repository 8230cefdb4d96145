// Command relayd runs relay workers as a long-lived process with a health endpoint.
//
// Configuration comes from the YAML file named by RELAY_CONFIG (optional) and RELAY_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/relay/internal/backend"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/logging"
	"github.com/dyluth/relay/internal/telemetry"
	"github.com/dyluth/relay/internal/worker"
	"go.uber.org/zap"
)

// Version information - set during build
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(context.Background(), os.Getenv("RELAY_CONFIG")))
}

// run contains the main logic and returns an exit code, so deferred cleanup runs
// before the process exits.
func run(ctx context.Context, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: configuration error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// Registered before anything is served so a signal during startup is not fatal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := telemetry.Init(ctx, cfg.Telemetry, "relayd", version); err != nil {
		logger.Warn("Telemetry disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(flushCtx)
	}()

	store, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("Failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		return 1
	}
	defer func() {
		logger.Debug("Closing store")
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", zap.Error(err))
		}
	}()
	logger.Info("Connected to store",
		zap.String("backend", cfg.Store.Backend),
		zap.String("namespace", cfg.Store.Namespace))

	engine, err := worker.Build(cfg, store.Store, logger)
	if err != nil {
		logger.Error("Failed to build worker", zap.Error(err))
		return 1
	}

	healthServer := worker.NewHealthServer(store.Store, engine, cfg.Worker.HealthPort, logger)
	if err := healthServer.Start(); err != nil {
		logger.Error("Failed to start health server", zap.Error(err))
		return 1
	}
	logger.Info("Health server started", zap.Int("port", cfg.Worker.HealthPort))

	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(engineCtx, cfg.Worker.Concurrency)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-engineDone:
		if err != nil {
			logger.Error("Engine error", zap.Error(err))
			return 1
		}
		logger.Info("Engine exited")
		return 0
	}

	// Graceful shutdown: stop leasing, let the in-flight job finalize, then stop serving
	// health checks.
	logger.Info("Initiating graceful shutdown")
	engineCancel()

	code := 0
	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-engineDone:
		if err != nil {
			logger.Error("Engine shutdown error", zap.Error(err))
			code = 1
		} else {
			logger.Info("Engine shutdown complete", zap.Int64("processed", engine.Processed()))
		}
	case <-timer.C:
		logger.Error("Engine shutdown timeout - forcing exit")
		code = 1
	}

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.Error("Health server shutdown error", zap.Error(err))
	}

	logger.Info("relayd shutdown complete")
	return code
}
