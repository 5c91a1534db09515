// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the wiring layer. It decides:
//   - which URL patterns map to which handler functions
//   - what middleware runs on which routes
//   - how the server starts and stops gracefully
//
// Keeping it out of main.go means the tests can build the full router over
// an in-memory store and drive it with httptest.
//
// DEPENDENCY INJECTION FLOW:
//
//	main.go: config.Load → logger.New → OpenStore → server.New
//	server.New: Store → AccountService / DocumentService → handlers → routes
//
// This is the "composition root": every dependency is assembled here rather
// than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/calmora/internal/auth"
	"github.com/sakif/calmora/internal/config"
	"github.com/sakif/calmora/internal/handler"
	"github.com/sakif/calmora/internal/metrics"
	"github.com/sakif/calmora/internal/middleware"
	"github.com/sakif/calmora/internal/repository"
	"github.com/sakif/calmora/internal/repository/gormstore"
	"github.com/sakif/calmora/internal/repository/memory"
	sqliteRepo "github.com/sakif/calmora/internal/repository/sqlite"
	"github.com/sakif/calmora/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the store. Start closes it after the HTTP server has
// drained, so no request is cut off mid-transaction.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	store   repository.Store
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter
	tokens  *auth.TokenService
}

// Option tweaks a Server before its routes are built.
type Option func(*Server)

// WithTokenService replaces the token service built from config. Tests use
// it to pin the clock.
func WithTokenService(tokens *auth.TokenService) Option {
	return func(s *Server) { s.tokens = tokens }
}

// New wires services, handlers and routes over store.
//
// Each layer only receives what it needs:
//   - services get the repository interfaces, not the concrete store
//   - handlers get the services, never the store
func New(cfg *config.Config, store repository.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
		limiter: middleware.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst, logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tokens == nil {
		tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("creating token service: %w", err)
		}
		s.tokens = tokens
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler, for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID: assigns a unique ID to each request
//  2. RealIP: rewrites RemoteAddr from X-Forwarded-For / X-Real-IP, which the
//     rate limiter keys on
//  3. Recoverer: turns a panic into a 500
//  4. Logger: one line per request
//  5. Instrument: Prometheus counters and latency
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(s.metrics.Instrument)

	passwords := auth.NewPasswordService(s.config.BcryptCost)
	accounts := service.NewAccountService(s.store, s.tokens, passwords, s.logger)
	documents := service.NewDocumentService(s.store, s.logger)

	authHandler := handler.NewAuthHandler(accounts, s.metrics, s.logger)
	dataHandler := handler.NewDataHandler(documents, s.logger)
	wellnessHandler := handler.NewWellnessHandler(documents, s.logger)

	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", handler.HandleHealth)

		// === Public auth routes (rate limited per IP) ===
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Handler)
			r.Post("/auth/register", authHandler.HandleRegister)
			r.Post("/auth/login", authHandler.HandleLogin)
		})

		// === Protected routes ===
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.tokens))

			r.Get("/auth/me", authHandler.HandleMe)
			r.Put("/auth/update-profile", authHandler.HandleUpdateProfile)

			// Static segments win over {category} in chi, so "bulk" is
			// never treated as a category name here.
			r.Get("/data/bulk", dataHandler.HandleGetBulk)
			r.Put("/data/bulk", dataHandler.HandlePutBulk)
			r.Get("/data/{category}", dataHandler.HandleGet)
			r.Put("/data/{category}", dataHandler.HandlePut)
			r.Post("/data/{category}/merge", dataHandler.HandleMerge)

			r.Get("/pet", wellnessHandler.HandleGetPet)
			r.Put("/pet", wellnessHandler.HandlePutPet)
			r.Get("/habits", wellnessHandler.HandleGetHabits)
			r.Put("/habits", wellnessHandler.HandlePutHabits)
			r.Get("/moods", wellnessHandler.HandleGetMoods)
			r.Post("/moods", wellnessHandler.HandleAddMood)
		})
	})
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Stop the rate limiter sweep and close the store
func (s *Server) Start() error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	s.limiter.StartCleanup(time.Minute, stopSweep)

	srv := &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("driver", s.config.DBDriver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// OpenStore opens the backend named by cfg.DBDriver.
func OpenStore(cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil

	case config.DriverPostgres:
		store, err := gormstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return store, nil

	case config.DriverSQLite:
		// os.MkdirAll is `mkdir -p`: the data directory may not exist yet.
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, nil

	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}
