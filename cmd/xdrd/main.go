// Package main is the entry point for the headless XDR daemon.
//
// xdrd runs the same proxy as `xdr run` but without the CLI surface, for
// containerized simulation environments. It serves:
//
// - The data-plane reverse proxy with the L402 payment gate
// - The /_xdr/ control plane (status, budget, chaos, traces, events)
// - Prometheus metrics and a health endpoint
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize ledger, chaos engine, trace ring, event bus
// 3. Start the metrics sampler and the HTTP server
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Clean up resources
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/xdr/internal/chaos"
	"github.com/kelpejol/xdr/internal/config"
	"github.com/kelpejol/xdr/internal/events"
	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/metrics"
	"github.com/kelpejol/xdr/internal/proxy"
	"github.com/kelpejol/xdr/internal/trace"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.Addr()).
		Str("network", cfg.Network).
		Msg("starting xdr daemon")

	ldgr := ledger.NewLedger(logger)

	engine := chaos.NewEngine(logger)
	engine.SetConfig(chaos.Config{Seed: getEnvUint64("XDR_SEED", 42)})

	ring := trace.NewRing(trace.DefaultCapacity)
	bus := events.NewBus(logger)

	sampler := metrics.NewSampler(ldgr, ring, logger)
	sampler.Start(10 * time.Second)

	srv := proxy.NewServer(cfg, ldgr, engine, ring, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx, cfg.Addr())
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().
			Str("signal", sig.String()).
			Msg("shutdown signal received, starting graceful shutdown")

		cancel()
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}

	case err := <-errCh:
		logger.Fatal().Err(err).Msg("server failed")
	}

	sampler.Stop()
	bus.Close()
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "xdr").
			Str("environment", environment).
			Logger()
	}

	return logger
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
