// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer — it connects handlers, middleware, and routes.
// Think of it as the control centre that decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and passes it to New, which creates:
//
//	user store (sqlite or postgres) ─┐
//	PasswordService, TokenService ───┼─→ AuthService ─→ AuthHandler, AdminHandler
//	IdentityVerifier, Denylist ──────┘
//	TokenService + store + Denylist ─→ Gate (RequireSignIn)
//
// This is the "composition root" pattern — all dependencies are wired
// in one place (New/Routes), rather than scattered across the codebase.
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

	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/config"
	"github.com/sakif/authcore/internal/handler"
	"github.com/sakif/authcore/internal/metrics"
	"github.com/sakif/authcore/internal/middleware"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/postgres"
	sqliteRepo "github.com/sakif/authcore/internal/repository/sqlite"
	"github.com/sakif/authcore/internal/service"
)

// Deps are the components the router needs. New builds them from config;
// tests build them directly.
type Deps struct {
	Store        repository.UserRepository
	Service      *service.AuthService
	Gate         *auth.Gate
	Google       *auth.GoogleProvider // nil disables /google/login and /google/callback
	Metrics      *metrics.Metrics
	CookieSecure bool
	Logger       *slog.Logger
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database pool and, with REVOCATION=redis, the redis
// client. Both are closed after the HTTP server has drained.
type Server struct {
	router  http.Handler
	config  *config.Config
	logger  *slog.Logger
	closers []func() error
}

// New creates a Server from cfg.
//
// Startup fails fast: an unreachable database, an unreachable Google
// discovery document (IDENTITY_MODE=oidc) or an unreachable redis
// (REVOCATION=redis) all return an error instead of a half-working server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: logger}

	// === CREATE USER STORE ===
	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	// === AUTH PRIMITIVES ===
	passwords := auth.NewPasswordService(cfg.HashConcurrency)
	tokens, err := auth.NewTokenService(cfg.JWTSecret,
		auth.WithTTL(cfg.TokenTTL),
		auth.WithIssuer(cfg.JWTIssuer),
	)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	// === GOOGLE IDENTITY ===
	var (
		oidcVerifier *auth.OIDCVerifier
		verifier     auth.IdentityVerifier
		google       *auth.GoogleProvider
	)
	if cfg.GoogleClientID != "" {
		oidcVerifier, err = auth.NewOIDCVerifier(ctx, cfg.GoogleIssuer, cfg.GoogleClientID)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("creating Google verifier: %w", err)
		}
	}
	switch cfg.IdentityMode {
	case config.IdentityOIDC:
		if oidcVerifier == nil {
			s.close()
			return nil, errors.New("IDENTITY_MODE=oidc requires GOOGLE_CLIENT_ID")
		}
		verifier = oidcVerifier
	default:
		logger.Warn("IDENTITY_MODE=trusted: POST /google-auth accepts unsigned profile claims; run only behind a boundary that verifies them")
		verifier = auth.ClaimsVerifier{}
	}
	if cfg.CodeFlowEnabled() {
		google = auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, oidcVerifier)
	}

	// === REVOCATION ===
	var denylist auth.Denylist
	switch cfg.Revocation {
	case config.RevocationMemory:
		denylist = auth.NewMemoryDenylist(cfg.TokenTTL)
	case config.RevocationRedis:
		rd, err := auth.NewRedisDenylist(ctx, cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("connecting denylist: %w", err)
		}
		s.closers = append(s.closers, rd.Close)
		denylist = rd
	}

	// === SERVICE ===
	m := metrics.New()
	opts := []service.Option{service.WithMetrics(m)}
	if denylist != nil {
		opts = append(opts, service.WithDenylist(denylist))
	}
	svc := service.NewAuthService(store, passwords, tokens, verifier, logger, opts...)

	if cfg.AdminEmail != "" {
		if _, created, err := svc.EnsureAdmin(ctx, cfg.AdminName, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			s.close()
			return nil, fmt.Errorf("seeding admin: %w", err)
		} else if created {
			logger.Info("bootstrap admin account created", slog.String("email", cfg.AdminEmail))
		}
	}

	s.router = Routes(Deps{
		Store:        store,
		Service:      svc,
		Gate:         auth.NewGate(tokens, store, denylist, logger),
		Google:       google,
		Metrics:      m,
		CookieSecure: cfg.CookieSecure,
		Logger:       logger,
	})
	return s, nil
}

// openStore connects the configured user store and registers its Close.
func (s *Server) openStore(ctx context.Context) (repository.UserRepository, error) {
	switch s.config.DBDriver {
	case config.DriverPostgres:
		db, err := postgres.New(ctx, s.config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		return db, nil

	default:
		if s.config.DBPath != ":memory:" {
			// os.MkdirAll creates all parent directories if needed (like `mkdir -p`).
			if err := os.MkdirAll(filepath.Dir(s.config.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(s.config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		return db, nil
	}
}

// Routes builds the router.
//
// ROUTE STRUCTURE (every user route is served under /api/user AND at the root):
//
//	POST   /register           → create a password account
//	POST   /login              → sign in, token in body + cookie
//	POST   /google-auth        → sign in with a Google assertion
//	GET    /logout             → clear cookie (and revoke, if enabled)
//	GET    /google/login       → server-side OAuth (only with a client secret)
//	GET    /google/callback
//	GET    /me                 → signed in
//	GET    /all                → signed in + OpListUsers
//	DELETE /delete-all         → signed in + OpDeleteAllUsers
//	GET    /healthz, /metrics
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID — assigns unique ID to each request (for tracing)
// 2. RealIP — extracts real client IP from proxy headers
// 3. Logger, Metrics: observe the final status, so they wrap Recoverer
// 4. Recoverer — catches panics and returns 500 instead of crashing
func Routes(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(chimiddleware.Recoverer)

	authHandler := handler.NewAuthHandler(d.Service, d.Google, d.CookieSecure, d.Logger)
	adminHandler := handler.NewAdminHandler(d.Service, d.Logger)
	healthHandler := handler.NewHealthHandler(d.Store, d.Logger)

	r.Get("/healthz", healthHandler.HandleHealth)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	userRoutes := func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/google-auth", authHandler.HandleGoogleAuth)
		r.Get("/logout", authHandler.HandleLogout)

		if d.Google != nil {
			r.Get("/google/login", authHandler.HandleGoogleLogin)
			r.Get("/google/callback", authHandler.HandleGoogleCallback)
		}

		// Protected: RequireSignIn runs first, then the permission gate.
		r.Group(func(r chi.Router) {
			r.Use(d.Gate.RequireSignIn)

			r.With(auth.RequirePermission(auth.OpViewProfile)).Get("/me", authHandler.HandleMe)
			r.With(auth.RequirePermission(auth.OpListUsers)).Get("/all", adminHandler.HandleListUsers)
			r.With(auth.RequirePermission(auth.OpDeleteAllUsers)).Delete("/delete-all", adminHandler.HandleDeleteAll)
		})
	}

	r.Route("/api/user", userRoutes)
	r.Group(userRoutes)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Close the database pool and the redis client
func (s *Server) Start() error {
	defer s.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("store", s.config.DBDriver),
			slog.String("identityMode", s.config.IdentityMode),
			slog.String("revocation", s.config.Revocation),
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

// close releases owned resources in reverse order of acquisition.
func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("closing resource", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
