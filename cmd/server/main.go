// Package main is the entry point for the Calmora API server.
//
// MAIN PACKAGE IN GO:
// main should stay minimal. Its job is to:
//  1. Read configuration (environment, optional .env)
//  2. Create dependencies (logger, store)
//  3. Start the application
//
// All actual logic lives in the internal/ packages.
package main

import (
	"log/slog"
	"os"

	"github.com/sakif/calmora/internal/config"
	"github.com/sakif/calmora/internal/logger"
	"github.com/sakif/calmora/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		// No configured logger yet, so fall back to a plain one.
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	log := logger.New(os.Stdout, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if cfg.UsingDevSecret() {
		log.Warn("JWT_SECRET_KEY is the development default; set it before deploying")
	}

	// === 3. OPEN THE STORE ===
	store, err := server.OpenStore(cfg, log)
	if err != nil {
		log.Error("failed to open store",
			slog.String("driver", cfg.DBDriver),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, store, log)
	if err != nil {
		store.Close()
		log.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (Ctrl+C or SIGTERM).
	if err := srv.Start(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
