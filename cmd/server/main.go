// Verigate - continuous session verification service
package main

import (
	"context"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/mbd888/verigate/internal/config"
	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/server"
	"github.com/mbd888/verigate/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = server.Version
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting verigate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"verification_enabled", cfg.Verification.Enabled,
		"verification_mode", cfg.Verification.Mode,
		"monitoring_only", cfg.Verification.MonitoringOnly,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
