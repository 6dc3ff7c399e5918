package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/background"
	"github.com/dminischetti/passless/internal/config"
	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/events"
	"github.com/dminischetti/passless/internal/geo"
	"github.com/dminischetti/passless/internal/handlers"
	middlewareCustom "github.com/dminischetti/passless/internal/middleware"
	"github.com/dminischetti/passless/internal/repositories"
	"github.com/dminischetti/passless/internal/routes"
	"github.com/dminischetti/passless/internal/services"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/dminischetti/passless/migrations"
	pkghttp "github.com/dminischetti/passless/pkg/http"
	pkglogger "github.com/dminischetti/passless/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Apply schema migrations before opening the pool
	if err := database.Migrate(cfg.Database.DSN(), migrations.FS); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	tokenRepo := repositories.NewLoginTokenRepository(db)
	rateLimitRepo := repositories.NewRateLimitRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)
	geoCacheRepo := repositories.NewGeoCacheRepository(db)

	// Async security event recorder
	recorder := events.NewRecorder(eventRepo, logger)
	defer recorder.Close()

	auditLogger := pkglogger.NewAuditLogger(logger)

	// Sign-in attribution
	var geoResolver services.GeoResolver
	if cfg.Geo.Enabled {
		geoResolver = geo.NewResolver(geoCacheRepo, geo.Config{
			ServiceURL: cfg.Geo.Endpoint,
			CacheTTL:   cfg.Geo.CacheTTL,
		}, logger)
	}

	// Session store and identity binding
	sessionStore := sessions.NewStore(sessionRepo, sessions.Config{
		Lifetime:         cfg.Session.Lifetime,
		AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		RefreshInterval:  cfg.Session.RefreshInterval,
	}, logger)
	sessionAuth := services.NewSessionAuth(sessionStore, cfg.Auth.AdminEmail, recorder, logger)

	// Mail transport
	var mailer services.EmailService
	if cfg.Mail.Enabled {
		mailer, err = services.NewAWSSESEmailService(cfg.Mail.AWSRegion, cfg.Mail.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		mailer = services.NewLogEmailService(logger)
	}

	// Auth primitives
	failureDelay := auth.NewFailureDelay(auth.DelayConfig{
		MinMs: cfg.Auth.DelayMinMs,
		MaxMs: cfg.Auth.DelayMaxMs,
	})
	rateLimiter := services.NewRateLimiter(rateLimitRepo, logger)
	tokenService := services.NewTokenService(tokenRepo, db, failureDelay, recorder, services.TokenServiceConfig{
		BaseURL:      cfg.Server.BaseURL,
		MagicLinkTTL: cfg.Auth.MagicLinkTTL,
	}, logger)
	lockoutPolicy := services.NewLockoutPolicy(rateLimiter, accountRepo, recorder, mailer, services.LockoutConfig{
		Threshold: cfg.Auth.LockThreshold,
		Window:    cfg.Auth.LockWindow,
		Duration:  cfg.Auth.LockDuration,
	}, logger)

	loginService := services.NewLoginService(
		accountRepo, tokenService, rateLimiter, lockoutPolicy, sessionAuth,
		mailer, geoResolver, db, failureDelay, recorder, auditLogger,
		services.LoginConfig{
			RateLimitEmail:   cfg.Auth.RateLimitEmail,
			RateLimitIP:      cfg.Auth.RateLimitIP,
			RateLimitEmailIP: cfg.Auth.RateLimitEmailIP,
			RateLimitVerify:  cfg.Auth.RateLimitVerify,
			RateLimitDecay:   cfg.Auth.RateLimitDecay,
			CaptchaThreshold: cfg.Auth.CaptchaThreshold,
			ResendCooldown:   time.Minute,
		}, logger)

	// HTTP session plumbing
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	sessionManager := handlers.NewSessionManager(sessionStore, auth.CookieConfig{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.CookieSecure,
	}, ipConfig)

	echoLink := cfg.Server.Env != "production" && !cfg.Mail.Enabled
	authHandler := handlers.NewAuthHandler(loginService, sessionAuth, sessionManager, echoLink, logger)

	// Background sweeps
	cleanupManager := background.NewCleanupManager([]background.CleanupTarget{
		{Name: "login_tokens", Run: func(ctx context.Context, now time.Time) (int64, error) {
			return tokenRepo.DeleteExpired(ctx, now)
		}},
		{Name: "sessions", Run: func(ctx context.Context, now time.Time) (int64, error) {
			return sessionRepo.DeleteDefunct(ctx, now)
		}},
		{Name: "rate_limits", Run: func(ctx context.Context, now time.Time) (int64, error) {
			return rateLimitRepo.DeleteStale(ctx, now)
		}},
		{Name: "security_events", Run: func(ctx context.Context, now time.Time) (int64, error) {
			return eventRepo.Prune(ctx, now.Add(-cfg.Auth.EventRetention))
		}},
		{Name: "geo_cache", Run: func(ctx context.Context, now time.Time) (int64, error) {
			return geoCacheRepo.DeleteStale(ctx, now.Add(-cfg.Geo.CacheTTL))
		}},
	}, logger, cfg.Auth.CleanupInterval)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler)

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
