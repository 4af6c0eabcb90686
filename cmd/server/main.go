// Package main is the entry point for the authcore server.
//
// The main package is kept minimal. Its job is to:
// 1. Read configuration (environment variables, see internal/config)
// 2. Create the logger
// 3. Hand both to internal/server, which wires everything else
//
// All actual logic lives in imported packages (internal/server, internal/service, etc.).
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/authcore/internal/config"
	"github.com/sakif/authcore/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// config.Load reads every setting from the environment and validates it.
	// A bad setting is a startup failure, never a runtime surprise.
	cfg, err := config.Load()
	if err != nil {
		// No configured logger yet, so fall back to the default one.
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// Log levels (from least to most severe): Debug → Info → Warn → Error.
	// LOG_LEVEL picks the minimum; production usually runs at info.
	level, _ := cfg.SlogLevel() // already validated by Load
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// === 3. CREATE SERVER ===
	// Startup talks to the database, Google discovery and redis, so it gets
	// a bounded context of its own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := server.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 4. START ===
	// Start blocks until SIGINT/SIGTERM, then shuts down gracefully.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
